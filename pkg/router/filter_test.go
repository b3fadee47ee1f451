package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/procpulse/procpulse/pkg/domain"
)

func TestFilterSuppress(t *testing.T) {
	cfg := FilterConfig{
		Categories: map[domain.EventCategory]bool{
			domain.CategoryNetwork: false,
		},
		SelfProcessName:         "procpulse",
		IgnorePathSubstrings:    []string{"/tmp/scratch"},
		IgnoreProcessSubstrings: []string{"Chrome"},
		MinDuration:             100 * time.Microsecond,
		DropSuccesses:           false,
	}
	f := NewFilter(cfg)

	tests := []struct {
		name     string
		event    domain.SystemEvent
		suppress bool
	}{
		{
			name:     "disabled category",
			event:    domain.SystemEvent{Category: domain.CategoryNetwork, ProcessName: "curl"},
			suppress: true,
		},
		{
			name:     "enabled category passes",
			event:    domain.SystemEvent{Category: domain.CategoryFileSystem, ProcessName: "curl"},
			suppress: false,
		},
		{
			name:     "own process exact",
			event:    domain.SystemEvent{Category: domain.CategoryFileSystem, ProcessName: "procpulse"},
			suppress: true,
		},
		{
			name:     "own process case-insensitive",
			event:    domain.SystemEvent{Category: domain.CategoryFileSystem, ProcessName: "ProcPulse"},
			suppress: true,
		},
		{
			name:     "own process with exe suffix",
			event:    domain.SystemEvent{Category: domain.CategoryFileSystem, ProcessName: "procpulse.EXE"},
			suppress: true,
		},
		{
			name:     "ignored path substring",
			event:    domain.SystemEvent{Category: domain.CategoryFileSystem, ProcessName: "vim", Path: "/tmp/scratch/a.txt"},
			suppress: true,
		},
		{
			name:     "ignored process substring is case-sensitive",
			event:    domain.SystemEvent{Category: domain.CategoryFileSystem, ProcessName: "GoogleChromeHelper"},
			suppress: true,
		},
		{
			name: "lowercase chrome passes the case-sensitive match",
			event: domain.SystemEvent{
				Category: domain.CategoryFileSystem, ProcessName: "googlechromehelper",
			},
			suppress: false,
		},
		{
			name: "below minimum duration",
			event: domain.SystemEvent{
				Category: domain.CategoryFileSystem, ProcessName: "vim", Duration: 50 * time.Microsecond,
			},
			suppress: true,
		},
		{
			name: "zero duration is not below minimum",
			event: domain.SystemEvent{
				Category: domain.CategoryFileSystem, ProcessName: "vim",
			},
			suppress: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.suppress, f.Suppress(&tt.event))
		})
	}
}

func TestFilterDropSuccesses(t *testing.T) {
	f := NewFilter(FilterConfig{DropSuccesses: true})

	ok := domain.SystemEvent{Category: domain.CategoryFileSystem, Result: domain.ResultSuccess}
	failed := domain.SystemEvent{Category: domain.CategoryFileSystem, Result: domain.ResultAccessDenied}

	assert.True(t, f.Suppress(&ok))
	assert.False(t, f.Suppress(&failed))
}
