package detector

import "time"

// Config holds the detection window and per-rule thresholds. Every value is
// policy, not mechanism: defaults match long-observed production behavior but
// all of them are tunable.
type Config struct {
	// Window bounds how long bucketed events stay eligible.
	Window time.Duration `yaml:"window" json:"window"`

	ErrorBurstThreshold        int `yaml:"error_burst_threshold" json:"error_burst_threshold"`
	FileLockThreshold          int `yaml:"file_lock_threshold" json:"file_lock_threshold"`
	RegistryThrashingThreshold int `yaml:"registry_thrashing_threshold" json:"registry_thrashing_threshold"`
	ProcessCrashThreshold      int `yaml:"process_crash_threshold" json:"process_crash_threshold"`

	// CascadeWindow is the lookback for the continuous cascading-failure
	// rule; CascadeMinProcesses processes with CascadeMinFailures failures
	// each trigger it.
	CascadeWindow       time.Duration `yaml:"cascade_window" json:"cascade_window"`
	CascadeMinProcesses int           `yaml:"cascade_min_processes" json:"cascade_min_processes"`
	CascadeMinFailures  int           `yaml:"cascade_min_failures" json:"cascade_min_failures"`

	// SlowOperationFloor marks an operation as slow; SlowOperationThreshold
	// slow operations on one (category, operation) key fire the rule.
	SlowOperationFloor     time.Duration `yaml:"slow_operation_floor" json:"slow_operation_floor"`
	SlowOperationThreshold int           `yaml:"slow_operation_threshold" json:"slow_operation_threshold"`

	// MaxRecentEvents caps the rolling recent-event list.
	MaxRecentEvents int `yaml:"max_recent_events" json:"max_recent_events"`

	// HistoryCap caps the fired-pattern log, dropping the oldest.
	HistoryCap int `yaml:"history_cap" json:"history_cap"`
}

// DefaultConfig returns the default detection policy.
func DefaultConfig() Config {
	return Config{
		Window:                     30 * time.Second,
		ErrorBurstThreshold:        5,
		FileLockThreshold:          3,
		RegistryThrashingThreshold: 50,
		ProcessCrashThreshold:      3,
		CascadeWindow:              5 * time.Second,
		CascadeMinProcesses:        2,
		CascadeMinFailures:         2,
		SlowOperationFloor:         time.Second,
		SlowOperationThreshold:     5,
		MaxRecentEvents:            10_000,
		HistoryCap:                 5_000,
	}
}

// applyDefaults fills zero values so a partially specified config is usable.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.ErrorBurstThreshold <= 0 {
		c.ErrorBurstThreshold = def.ErrorBurstThreshold
	}
	if c.FileLockThreshold <= 0 {
		c.FileLockThreshold = def.FileLockThreshold
	}
	if c.RegistryThrashingThreshold <= 0 {
		c.RegistryThrashingThreshold = def.RegistryThrashingThreshold
	}
	if c.ProcessCrashThreshold <= 0 {
		c.ProcessCrashThreshold = def.ProcessCrashThreshold
	}
	if c.CascadeWindow <= 0 {
		c.CascadeWindow = def.CascadeWindow
	}
	if c.CascadeMinProcesses <= 0 {
		c.CascadeMinProcesses = def.CascadeMinProcesses
	}
	if c.CascadeMinFailures <= 0 {
		c.CascadeMinFailures = def.CascadeMinFailures
	}
	if c.SlowOperationFloor <= 0 {
		c.SlowOperationFloor = def.SlowOperationFloor
	}
	if c.SlowOperationThreshold <= 0 {
		c.SlowOperationThreshold = def.SlowOperationThreshold
	}
	if c.MaxRecentEvents <= 0 {
		c.MaxRecentEvents = def.MaxRecentEvents
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = def.HistoryCap
	}
}
