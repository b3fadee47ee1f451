package domain

import "time"

// PatternType identifies which detector produced a finding
type PatternType string

const (
	PatternErrorBurst             PatternType = "error_burst"
	PatternAccessDenied           PatternType = "access_denied"
	PatternFileLockConflict       PatternType = "file_lock_conflict"
	PatternRegistryThrashing      PatternType = "registry_thrashing"
	PatternRapidProcessCrash      PatternType = "rapid_process_crash"
	PatternCascadingFailure       PatternType = "cascading_failure"
	PatternPerformanceDegradation PatternType = "performance_degradation"
)

// Severity ranks a finding. Ordering is significant: escalation compares
// against a configured minimum.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a config string to a Severity, defaulting to High for
// unrecognized input so escalation never silently widens.
func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return SeverityInfo
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// DetectedPattern is a finding produced by the pattern detector. It is
// immutable after creation except for a single merge of the escalation
// diagnosis fields (RootCause, Remediation, Prevention, AnalyzedAt).
type DetectedPattern struct {
	ID              string      `json:"id"`
	Type            PatternType `json:"type"`
	Description     string      `json:"description"`
	Severity        Severity    `json:"severity"`
	Confidence      float64     `json:"confidence"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	Occurrences     int         `json:"occurrences"`
	Suggestion      string      `json:"suggestion,omitempty"`
	RelatedEventIDs []int64     `json:"related_event_ids,omitempty"`

	// Filled by escalation, absent otherwise.
	RootCause   string     `json:"root_cause,omitempty"`
	Remediation string     `json:"remediation,omitempty"`
	Prevention  []string   `json:"prevention,omitempty"`
	AnalyzedAt  *time.Time `json:"analyzed_at,omitempty"`
}

// Analyzed reports whether an escalation diagnosis has been merged in.
func (p *DetectedPattern) Analyzed() bool {
	return p.AnalyzedAt != nil
}
