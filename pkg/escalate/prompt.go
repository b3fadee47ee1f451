package escalate

import (
	"fmt"
	"strings"

	"github.com/procpulse/procpulse/pkg/domain"
)

// Related events beyond this count add tokens without adding signal.
const maxPromptEvents = 50

// formatPrompt renders the pattern and its supporting events for the model.
func formatPrompt(pattern domain.DetectedPattern, events []domain.SystemEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "DETECTED PATTERN\n")
	fmt.Fprintf(&b, "Type: %s\n", pattern.Type)
	fmt.Fprintf(&b, "Severity: %s\n", pattern.Severity)
	fmt.Fprintf(&b, "Description: %s\n", pattern.Description)
	fmt.Fprintf(&b, "Occurrences: %d\n", pattern.Occurrences)
	fmt.Fprintf(&b, "First seen: %s\n", pattern.FirstSeen.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&b, "Last seen: %s\n", pattern.LastSeen.Format("2006-01-02 15:04:05.000"))
	if pattern.Suggestion != "" {
		fmt.Fprintf(&b, "Detector suggestion: %s\n", pattern.Suggestion)
	}

	if len(events) == 0 {
		b.WriteString("\nNo raw events available for this pattern.\n")
		return b.String()
	}

	shown := events
	if len(shown) > maxPromptEvents {
		shown = shown[len(shown)-maxPromptEvents:]
		fmt.Fprintf(&b, "\nRELATED EVENTS (most recent %d of %d)\n", maxPromptEvents, len(events))
	} else {
		fmt.Fprintf(&b, "\nRELATED EVENTS (%d)\n", len(shown))
	}

	for _, ev := range shown {
		fmt.Fprintf(&b, "- %s [%s] %s pid=%d op=%s",
			ev.Timestamp.Format("15:04:05.000"), ev.Category, ev.ProcessName, ev.PID, ev.Operation)
		if ev.Path != "" {
			fmt.Fprintf(&b, " path=%q", ev.Path)
		}
		fmt.Fprintf(&b, " result=%s", ev.Result)
		if ev.ErrorCode != 0 {
			fmt.Fprintf(&b, " errno=%d", ev.ErrorCode)
		}
		if ev.Duration > 0 {
			fmt.Fprintf(&b, " duration=%s", ev.Duration)
		}
		b.WriteByte('\n')
	}

	return b.String()
}
