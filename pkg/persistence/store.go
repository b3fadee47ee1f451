// Package persistence defines the event/pattern store contract and its
// SQLite implementation. Every operation may fail transiently; the
// orchestrator logs and continues rather than aborting ingestion.
package persistence

import (
	"context"
	"time"

	"github.com/procpulse/procpulse/pkg/domain"
)

// Store is the append/query contract the orchestrator persists through.
type Store interface {
	// Ready ensures the backing schema exists. Idempotent.
	Ready(ctx context.Context) error

	// AppendEvents writes a batch of events atomically.
	AppendEvents(ctx context.Context, events []domain.SystemEvent) error

	// AppendPattern writes a newly fired pattern.
	AppendPattern(ctx context.Context, pattern domain.DetectedPattern) error

	// UpdatePattern overwrites a stored pattern, used after escalation
	// merges diagnosis fields.
	UpdatePattern(ctx context.Context, pattern domain.DetectedPattern) error

	// EventsByIDs fetches events by id; missing ids are skipped.
	EventsByIDs(ctx context.Context, ids []int64) ([]domain.SystemEvent, error)

	// LastEventID returns the highest stored event id, 0 when empty.
	LastEventID(ctx context.Context) (int64, error)

	// DeleteEventsBefore removes events older than t and returns the count.
	DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error)

	Close() error
}
