// Package escalate hands detected patterns plus their related raw events to
// an external analysis collaborator and returns a human-readable diagnosis.
package escalate

import (
	"context"

	"github.com/procpulse/procpulse/pkg/domain"
)

// Diagnosis is the collaborator's structured verdict for one pattern.
type Diagnosis struct {
	RootCause   string   `json:"root_cause" description:"The most likely root cause of the detected pattern"`
	Remediation string   `json:"remediation" description:"Concrete steps to fix the underlying problem"`
	Confidence  float64  `json:"confidence" description:"Confidence in the diagnosis, 0.0 to 1.0"`
	Prevention  []string `json:"prevention,omitempty" description:"Measures that would prevent a recurrence"`
}

// Analyzer diagnoses a detected pattern. Implementations must tolerate
// concurrent invocation for distinct patterns; calls may block for the full
// duration of a remote round trip.
type Analyzer interface {
	Analyze(ctx context.Context, pattern domain.DetectedPattern, relatedEvents []domain.SystemEvent) (*Diagnosis, error)
}
