package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procpulse/procpulse/pkg/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func storedEvent(id int64, ts time.Time) domain.SystemEvent {
	return domain.SystemEvent{
		ID:          id,
		Timestamp:   ts,
		Category:    domain.CategoryFileSystem,
		ProcessName: "postgres",
		PID:         42,
		TID:         43,
		Operation:   "OpenFile",
		Path:        "/var/lib/pg/base",
		Result:      domain.ResultAccessDenied,
		ErrorCode:   -13,
		Duration:    250 * time.Microsecond,
		Metadata:    map[string]string{"exit_code": "1"},
	}
}

func TestStoreRoundTripsEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	batch := []domain.SystemEvent{
		storedEvent(1, ts),
		storedEvent(2, ts.Add(time.Second)),
		storedEvent(3, ts.Add(2*time.Second)),
	}
	require.NoError(t, store.AppendEvents(ctx, batch))

	events, err := store.EventsByIDs(ctx, []int64{3, 1})
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Returned in id order regardless of request order.
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, int64(3), events[1].ID)

	got := events[0]
	assert.Equal(t, ts.UnixNano(), got.Timestamp.UnixNano())
	assert.Equal(t, domain.CategoryFileSystem, got.Category)
	assert.Equal(t, "postgres", got.ProcessName)
	assert.Equal(t, int32(42), got.PID)
	assert.Equal(t, "OpenFile", got.Operation)
	assert.Equal(t, "/var/lib/pg/base", got.Path)
	assert.Equal(t, domain.ResultAccessDenied, got.Result)
	assert.Equal(t, int32(-13), got.ErrorCode)
	assert.Equal(t, 250*time.Microsecond, got.Duration)
	assert.Equal(t, "1", got.Metadata["exit_code"])
}

func TestStoreSkipsAbsentIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEvents(ctx, []domain.SystemEvent{storedEvent(1, time.Now())}))

	events, err := store.EventsByIDs(ctx, []int64{1, 999})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = store.EventsByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestStoreRejectsDuplicateEventIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := storedEvent(1, time.Now())
	first.ProcessName = "alpha"
	require.NoError(t, store.AppendEvents(ctx, []domain.SystemEvent{first}))

	// A second write reusing the id must fail, not overwrite.
	second := storedEvent(1, time.Now())
	second.ProcessName = "beta"
	require.Error(t, store.AppendEvents(ctx, []domain.SystemEvent{second}))

	events, err := store.EventsByIDs(ctx, []int64{1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alpha", events[0].ProcessName)
}

func TestStoreLastEventID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	last, err := store.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)

	require.NoError(t, store.AppendEvents(ctx, []domain.SystemEvent{
		storedEvent(3, time.Now()),
		storedEvent(7, time.Now()),
	}))

	last, err = store.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), last)
}

func TestStoreHistorySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	ev := storedEvent(1, time.Now())
	ev.ProcessName = "firstsession"
	require.NoError(t, first.AppendEvents(ctx, []domain.SystemEvent{ev}))
	require.NoError(t, first.Close())

	// A second session seeds its ids past stored history and appends.
	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	last, err := second.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	ev2 := storedEvent(last+1, time.Now())
	ev2.ProcessName = "secondsession"
	require.NoError(t, second.AppendEvents(ctx, []domain.SystemEvent{ev2}))

	events, err := second.EventsByIDs(ctx, []int64{1, 2})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "firstsession", events[0].ProcessName)
	assert.Equal(t, "secondsession", events[1].ProcessName)
}

func TestStoreEmptyBatchIsNoop(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.AppendEvents(context.Background(), nil))
}

func TestStoreReadyIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Ready(ctx))
	require.NoError(t, store.Ready(ctx))
}

func TestStoreDeleteEventsBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendEvents(ctx, []domain.SystemEvent{
		storedEvent(1, ts),
		storedEvent(2, ts.Add(time.Hour)),
		storedEvent(3, ts.Add(2*time.Hour)),
	}))

	deleted, err := store.DeleteEventsBefore(ctx, ts.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	events, err := store.EventsByIDs(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].ID)
}

func TestStorePatternLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := domain.DetectedPattern{
		ID:              "pat-1",
		Type:            domain.PatternErrorBurst,
		Description:     "5 repeated failures",
		Severity:        domain.SeverityHigh,
		Confidence:      0.8,
		FirstSeen:       ts,
		LastSeen:        ts.Add(10 * time.Second),
		Occurrences:     5,
		Suggestion:      "inspect the failing operation",
		RelatedEventIDs: []int64{1, 2, 3, 4, 5},
	}
	require.NoError(t, store.AppendPattern(ctx, p))

	stored, err := store.PatternByID(ctx, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, p.Type, stored.Type)
	assert.Equal(t, p.Severity, stored.Severity)
	assert.Equal(t, p.RelatedEventIDs, stored.RelatedEventIDs)
	assert.False(t, stored.Analyzed())

	// Escalation merges in the diagnosis; every original field survives.
	analyzedAt := ts.Add(time.Minute)
	p.RootCause = "service account lacks read access"
	p.Remediation = "grant the account read on the data directory"
	p.Prevention = []string{"audit ACLs on deploy"}
	p.AnalyzedAt = &analyzedAt
	require.NoError(t, store.UpdatePattern(ctx, p))

	updated, err := store.PatternByID(ctx, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, p.Description, updated.Description)
	assert.Equal(t, p.Confidence, updated.Confidence)
	assert.Equal(t, p.Occurrences, updated.Occurrences)
	assert.Equal(t, p.Suggestion, updated.Suggestion)
	assert.Equal(t, p.RelatedEventIDs, updated.RelatedEventIDs)
	assert.Equal(t, "service account lacks read access", updated.RootCause)
	assert.Equal(t, []string{"audit ACLs on deploy"}, updated.Prevention)
	require.NotNil(t, updated.AnalyzedAt)
	assert.Equal(t, analyzedAt.UnixNano(), updated.AnalyzedAt.UnixNano())
	assert.True(t, updated.Analyzed())
}
