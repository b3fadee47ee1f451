// Package router decides which captured events are retained and keeps a
// bounded in-memory history of the survivors.
package router

import (
	"strings"
	"time"

	"github.com/procpulse/procpulse/pkg/domain"
)

// FilterConfig holds the suppression predicates. Predicates are OR-combined;
// the first match suppresses the event.
type FilterConfig struct {
	// Categories maps category -> enabled. Absent means enabled.
	Categories map[domain.EventCategory]bool `yaml:"categories" json:"categories"`

	// SelfProcessName is the monitoring application's own process name.
	// Events from it are always suppressed to keep the monitor out of its
	// own data. Matched case-insensitively, with or without an executable
	// suffix.
	SelfProcessName string `yaml:"self_process_name" json:"self_process_name"`

	// IgnorePathSubstrings suppresses events whose path contains any entry.
	IgnorePathSubstrings []string `yaml:"ignore_path_substrings" json:"ignore_path_substrings"`

	// IgnoreProcessSubstrings suppresses events whose process name contains
	// any entry. NOTE: matched case-sensitively while SelfProcessName is
	// case-insensitive; callers relying on either behavior exist, so the
	// asymmetry is kept.
	IgnoreProcessSubstrings []string `yaml:"ignore_process_substrings" json:"ignore_process_substrings"`

	// MinDuration suppresses events shorter than this.
	MinDuration time.Duration `yaml:"min_duration" json:"min_duration"`

	// DropSuccesses suppresses every event whose result is SUCCESS.
	DropSuccesses bool `yaml:"drop_successes" json:"drop_successes"`
}

// Filter applies the configured suppression predicates.
type Filter struct {
	cfg FilterConfig
}

// NewFilter builds a filter from config.
func NewFilter(cfg FilterConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Suppress reports whether the event should be dropped before it reaches the
// detector or persistence.
func (f *Filter) Suppress(ev *domain.SystemEvent) bool {
	if enabled, ok := f.cfg.Categories[ev.Category]; ok && !enabled {
		return true
	}

	if f.cfg.SelfProcessName != "" && sameProcessName(ev.ProcessName, f.cfg.SelfProcessName) {
		return true
	}

	if ev.Path != "" {
		for _, sub := range f.cfg.IgnorePathSubstrings {
			if sub != "" && strings.Contains(ev.Path, sub) {
				return true
			}
		}
	}

	for _, sub := range f.cfg.IgnoreProcessSubstrings {
		if sub != "" && strings.Contains(ev.ProcessName, sub) {
			return true
		}
	}

	if f.cfg.MinDuration > 0 && ev.Duration > 0 && ev.Duration < f.cfg.MinDuration {
		return true
	}

	if f.cfg.DropSuccesses && ev.Succeeded() {
		return true
	}

	return false
}

// sameProcessName compares process names case-insensitively, tolerating an
// executable suffix on either side.
func sameProcessName(a, b string) bool {
	return strings.EqualFold(trimExeSuffix(a), trimExeSuffix(b))
}

func trimExeSuffix(name string) string {
	if len(name) > 4 && strings.EqualFold(name[len(name)-4:], ".exe") {
		return name[:len(name)-4]
	}
	return name
}
