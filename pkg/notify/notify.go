// Package notify defines the outbound notification contracts for the
// monitoring pipeline. Delivery is always synchronous on the producing
// goroutine: a slow handler applies back-pressure to the producer, and
// handlers that need asynchrony must buffer internally.
package notify

import "github.com/procpulse/procpulse/pkg/domain"

// EventHandler receives every captured event that survives filtering.
type EventHandler func(domain.SystemEvent)

// ErrorHandler receives capture pipeline errors.
type ErrorHandler func(error)

// PatternHandler receives every fired pattern.
type PatternHandler func(domain.DetectedPattern)
