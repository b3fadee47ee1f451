package domain

import "time"

// MonitoringStats is a point-in-time snapshot of one monitoring session.
// Counters are monotonically non-decreasing for the lifetime of a session and
// reset on every Start.
type MonitoringStats struct {
	EventsProcessed  int64         `json:"events_processed"`
	PatternsDetected int64         `json:"patterns_detected"`
	SessionStart     time.Time     `json:"session_start"`
	Uptime           time.Duration `json:"uptime"`
	EventsPerSecond  float64       `json:"events_per_second"`
}

// PatternStats aggregates the detector's fired-pattern history.
type PatternStats struct {
	Total          int              `json:"total"`
	FirstDetected  time.Time        `json:"first_detected"`
	LastDetected   time.Time        `json:"last_detected"`
	MeanConfidence float64          `json:"mean_confidence"`
	BySeverity     map[Severity]int `json:"by_severity"`
}
