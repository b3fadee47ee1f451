package detector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/procpulse/procpulse/pkg/domain"
)

// The rules below are called with the detector mutex held. Each one may
// append at most one finding per analyzed event. All but the cascading rule
// are edge-triggered: their bucket is cleared the moment they fire, so the
// next finding requires a full new threshold crossing.

// detectErrorBurst fires when the same (category, operation, result) failure
// repeats within the window.
func (d *Detector) detectErrorBurst(ev domain.SystemEvent, now time.Time) *domain.DetectedPattern {
	if !ev.Failed() {
		return nil
	}

	key := bucketKey("burst", string(ev.Category), ev.Operation, ev.Result)
	bucket := append(d.buckets[key], ev)
	if len(bucket) < d.cfg.ErrorBurstThreshold {
		d.buckets[key] = bucket
		return nil
	}
	delete(d.buckets, key)

	return &domain.DetectedPattern{
		ID:   uuid.NewString(),
		Type: domain.PatternErrorBurst,
		Description: fmt.Sprintf("%d repeated %q failures for %s %s within %s",
			len(bucket), ev.Result, ev.Category, ev.Operation, d.cfg.Window),
		Severity:        domain.SeverityHigh,
		Confidence:      0.8,
		FirstSeen:       bucket[0].Timestamp,
		LastSeen:        ev.Timestamp,
		Occurrences:     len(bucket),
		Suggestion:      "Inspect the failing operation's target and the initiating process; repeated identical failures usually indicate a persistent misconfiguration rather than a transient fault.",
		RelatedEventIDs: eventIDs(bucket),
	}
}

// detectAccessDenied is stateless: every permission failure is reported
// immediately at full confidence.
func (d *Detector) detectAccessDenied(ev domain.SystemEvent, _ time.Time) *domain.DetectedPattern {
	if !ev.AccessDenied() {
		return nil
	}

	target := ev.Path
	if target == "" {
		target = ev.Operation
	}
	return &domain.DetectedPattern{
		ID:              uuid.NewString(),
		Type:            domain.PatternAccessDenied,
		Description:     fmt.Sprintf("Access denied: %s attempting %s on %s", ev.ProcessName, ev.Operation, target),
		Severity:        domain.SeverityHigh,
		Confidence:      1.0,
		FirstSeen:       ev.Timestamp,
		LastSeen:        ev.Timestamp,
		Occurrences:     1,
		Suggestion:      "Check the process's privileges against the target's permissions; run elevated or grant access to the specific path.",
		RelatedEventIDs: []int64{ev.ID},
	}
}

// detectFileLockConflict fires when a path sees repeated sharing or lock
// contention, and reports the distinct competing processes.
func (d *Detector) detectFileLockConflict(ev domain.SystemEvent, _ time.Time) *domain.DetectedPattern {
	if ev.Category != domain.CategoryFileSystem || ev.Path == "" || !ev.LockContended() {
		return nil
	}

	key := bucketKey("lock", ev.Path)
	bucket := append(d.buckets[key], ev)
	if len(bucket) < d.cfg.FileLockThreshold {
		d.buckets[key] = bucket
		return nil
	}
	delete(d.buckets, key)

	procs := distinctProcessNames(bucket)
	return &domain.DetectedPattern{
		ID:   uuid.NewString(),
		Type: domain.PatternFileLockConflict,
		Description: fmt.Sprintf("File lock contention on %s: %d conflicts between %s",
			ev.Path, len(bucket), strings.Join(procs, ", ")),
		Severity:        domain.SeverityMedium,
		Confidence:      0.85,
		FirstSeen:       bucket[0].Timestamp,
		LastSeen:        ev.Timestamp,
		Occurrences:     len(bucket),
		Suggestion:      "Identify which competing process should own the file, serialize access, or close the stale handle holding the lock.",
		RelatedEventIDs: eventIDs(bucket),
	}
}

// detectRegistryThrashing fires when one configuration path is hammered.
func (d *Detector) detectRegistryThrashing(ev domain.SystemEvent, _ time.Time) *domain.DetectedPattern {
	if ev.Category != domain.CategoryRegistry || ev.Path == "" {
		return nil
	}

	key := bucketKey("reg", ev.Path)
	bucket := append(d.buckets[key], ev)
	if len(bucket) < d.cfg.RegistryThrashingThreshold {
		d.buckets[key] = bucket
		return nil
	}
	delete(d.buckets, key)

	return &domain.DetectedPattern{
		ID:   uuid.NewString(),
		Type: domain.PatternRegistryThrashing,
		Description: fmt.Sprintf("Configuration store thrashing: %s accessed %d times within %s by %s",
			ev.Path, len(bucket), d.cfg.Window, ev.ProcessName),
		Severity:        domain.SeverityLow,
		Confidence:      0.7,
		FirstSeen:       bucket[0].Timestamp,
		LastSeen:        ev.Timestamp,
		Occurrences:     len(bucket),
		Suggestion:      "The process is polling configuration instead of caching it; this wastes cycles and can mask the change it is waiting for.",
		RelatedEventIDs: eventIDs(bucket),
	}
}

// detectRapidProcessCrash fires when one process name stops repeatedly.
func (d *Detector) detectRapidProcessCrash(ev domain.SystemEvent, _ time.Time) *domain.DetectedPattern {
	if ev.Category != domain.CategoryProcess || ev.ProcessName == "" || !isStopOperation(ev.Operation) {
		return nil
	}

	key := bucketKey("crash", ev.ProcessName)
	bucket := append(d.buckets[key], ev)
	if len(bucket) < d.cfg.ProcessCrashThreshold {
		d.buckets[key] = bucket
		return nil
	}
	delete(d.buckets, key)

	return &domain.DetectedPattern{
		ID:   uuid.NewString(),
		Type: domain.PatternRapidProcessCrash,
		Description: fmt.Sprintf("Process %s exited %d times within %s",
			ev.ProcessName, len(bucket), d.cfg.Window),
		Severity:        domain.SeverityCritical,
		Confidence:      0.9,
		FirstSeen:       bucket[0].Timestamp,
		LastSeen:        ev.Timestamp,
		Occurrences:     len(bucket),
		Suggestion:      "The process is crash-looping. Check its exit codes and logs; a supervisor restarting a broken binary will show exactly this shape.",
		RelatedEventIDs: eventIDs(bucket),
	}
}

// detectCascadingFailure is the one continuous rule: it re-evaluates the
// rolling recent list on every failure and keeps firing while two or more
// processes are failing together. It holds no bucket, so unlike the others it
// may fire on every qualifying event until the condition clears.
func (d *Detector) detectCascadingFailure(ev domain.SystemEvent, now time.Time) *domain.DetectedPattern {
	if !ev.Failed() {
		return nil
	}

	cutoff := now.Add(-d.cfg.CascadeWindow)
	failuresByProc := make(map[string][]domain.SystemEvent)
	for i := range d.recent {
		r := &d.recent[i]
		if r.Timestamp.Before(cutoff) || !r.Failed() || r.ProcessName == "" {
			continue
		}
		failuresByProc[r.ProcessName] = append(failuresByProc[r.ProcessName], *r)
	}

	var failing []string
	var related []domain.SystemEvent
	for proc, failures := range failuresByProc {
		if len(failures) >= d.cfg.CascadeMinFailures {
			failing = append(failing, proc)
			related = append(related, failures...)
		}
	}
	if len(failing) < d.cfg.CascadeMinProcesses {
		return nil
	}
	sort.Strings(failing)

	first := related[0].Timestamp
	for _, r := range related[1:] {
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
	}

	return &domain.DetectedPattern{
		ID:   uuid.NewString(),
		Type: domain.PatternCascadingFailure,
		Description: fmt.Sprintf("Cascading failure: %d processes failing together within %s (%s)",
			len(failing), d.cfg.CascadeWindow, strings.Join(failing, ", ")),
		Severity:        domain.SeverityCritical,
		Confidence:      0.95,
		FirstSeen:       first,
		LastSeen:        ev.Timestamp,
		Occurrences:     len(related),
		Suggestion:      "Multiple processes are failing in the same window, which points at a shared dependency: a common file, service, or resource exhaustion. Find what the failing processes have in common.",
		RelatedEventIDs: eventIDs(related),
	}
}

// detectSlowOperations fires when one (category, operation) key accumulates
// enough operations slower than the configured floor.
func (d *Detector) detectSlowOperations(ev domain.SystemEvent, _ time.Time) *domain.DetectedPattern {
	if ev.Duration <= d.cfg.SlowOperationFloor {
		return nil
	}

	key := bucketKey("perf", string(ev.Category), ev.Operation)
	bucket := append(d.buckets[key], ev)
	if len(bucket) < d.cfg.SlowOperationThreshold {
		d.buckets[key] = bucket
		return nil
	}
	delete(d.buckets, key)

	var total time.Duration
	for _, e := range bucket {
		total += e.Duration
	}
	mean := total / time.Duration(len(bucket))

	return &domain.DetectedPattern{
		ID:   uuid.NewString(),
		Type: domain.PatternPerformanceDegradation,
		Description: fmt.Sprintf("Performance degradation: %s %s averaging %s over %d slow operations",
			ev.Category, ev.Operation, mean, len(bucket)),
		Severity:        domain.SeverityMedium,
		Confidence:      0.75,
		FirstSeen:       bucket[0].Timestamp,
		LastSeen:        ev.Timestamp,
		Occurrences:     len(bucket),
		Suggestion:      "Sustained slow operations on one target usually mean contention or a saturated device rather than a one-off stall. Profile the target, not the caller.",
		RelatedEventIDs: eventIDs(bucket),
	}
}

// isStopOperation matches process termination operations.
func isStopOperation(op string) bool {
	lower := strings.ToLower(op)
	return strings.Contains(lower, "exit") || strings.Contains(lower, "stop")
}

func distinctProcessNames(events []domain.SystemEvent) []string {
	seen := make(map[string]struct{}, len(events))
	var names []string
	for _, ev := range events {
		if ev.ProcessName == "" {
			continue
		}
		if _, ok := seen[ev.ProcessName]; !ok {
			seen[ev.ProcessName] = struct{}{}
			names = append(names, ev.ProcessName)
		}
	}
	sort.Strings(names)
	return names
}
