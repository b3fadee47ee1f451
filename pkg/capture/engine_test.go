package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/procpulse/procpulse/pkg/domain"
)

// fakeSource is an in-memory TraceSource. Read blocks on an internal channel
// until a record or fault is injected, or the source is closed.
type fakeSource struct {
	mu      sync.Mutex
	openErr error
	opens   int
	records chan RawRecord
	faults  chan error
	closed  chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records: make(chan RawRecord, 64),
		faults:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSource) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeSource) Read() (RawRecord, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	select {
	case rec := <-f.records:
		return rec, nil
	case err := <-f.faults:
		return RawRecord{}, err
	case <-closed:
		return RawRecord{}, errSourceClosed
	}
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func fsRecord(path string) RawRecord {
	return RawRecord{
		Category:    domain.CategoryFileSystem,
		Timestamp:   time.Now(),
		PID:         1234,
		TID:         1235,
		ProcessName: "vim",
		Fields: map[string]string{
			FieldOperation: "OpenFile",
			FieldPath:      path,
			FieldResult:    domain.ResultSuccess,
			FieldDuration:  "1500",
		},
	}
}

func newTestEngine(t *testing.T, src TraceSource, cfg *Config) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, src, zaptest.NewLogger(t))
	require.NoError(t, err)
	return engine
}

func waitEvent(t *testing.T, ch <-chan domain.SystemEvent) domain.SystemEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.SystemEvent{}
	}
}

func TestEngineRequiresSource(t *testing.T) {
	_, err := NewEngine(nil, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestEngineStartStopIdempotent(t *testing.T) {
	src := newFakeSource()
	engine := newTestEngine(t, src, nil)

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	assert.True(t, engine.IsRunning())

	// Second Start on a running engine is a no-op.
	require.NoError(t, engine.Start(ctx))
	src.mu.Lock()
	assert.Equal(t, 1, src.opens)
	src.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(stopCtx))
	assert.False(t, engine.IsRunning())

	// Stop on a stopped engine is a no-op too.
	require.NoError(t, engine.Stop(stopCtx))
}

func TestEnginePermissionDeniedLeavesEngineRestartable(t *testing.T) {
	src := newFakeSource()
	src.openErr = fmt.Errorf("loading bpf object: %w", ErrPermissionDenied)
	engine := newTestEngine(t, src, nil)

	ctx := context.Background()
	err := engine.Start(ctx)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, engine.IsRunning())

	// After elevation the same engine starts cleanly.
	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()
	require.NoError(t, engine.Start(ctx))
	assert.True(t, engine.IsRunning())

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(stopCtx))
}

func TestEngineDeliversTranslatedEvents(t *testing.T) {
	src := newFakeSource()
	engine := newTestEngine(t, src, nil)

	events := make(chan domain.SystemEvent, 16)
	engine.Subscribe(func(ev domain.SystemEvent) { events <- ev })

	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	src.records <- fsRecord("/etc/hosts")
	src.records <- fsRecord("/var/log/syslog")

	first := waitEvent(t, events)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, domain.CategoryFileSystem, first.Category)
	assert.Equal(t, "OpenFile", first.Operation)
	assert.Equal(t, "/etc/hosts", first.Path)
	assert.Equal(t, "vim", first.ProcessName)
	assert.Equal(t, int32(1234), first.PID)
	assert.Equal(t, domain.ResultSuccess, first.Result)
	assert.Equal(t, 1500*time.Microsecond, first.Duration)

	second := waitEvent(t, events)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, "/var/log/syslog", second.Path)

	stats := engine.Stats()
	assert.Equal(t, int64(2), stats.EventsCaptured)
	assert.Equal(t, int64(0), stats.EventsUnprocessed)
	assert.False(t, stats.LastEventTime.IsZero())
}

func TestEngineDropsUntranslatableRecords(t *testing.T) {
	src := newFakeSource()
	engine := newTestEngine(t, src, nil)

	events := make(chan domain.SystemEvent, 16)
	engine.Subscribe(func(ev domain.SystemEvent) { events <- ev })

	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	// A filesystem record without an operation cannot be translated.
	src.records <- RawRecord{
		Category:    domain.CategoryFileSystem,
		Timestamp:   time.Now(),
		PID:         1,
		ProcessName: "mystery",
		Fields:      map[string]string{FieldPath: "/dev/null"},
	}
	src.records <- fsRecord("/etc/passwd")

	// The dropped record consumes no ID; the good one is event 1.
	ev := waitEvent(t, events)
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, "/etc/passwd", ev.Path)

	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.EventsCaptured)
	assert.Equal(t, int64(1), stats.EventsUnprocessed)
}

func TestEngineSkipsDisabledCategories(t *testing.T) {
	cfg := NewDefaultConfig("test")
	cfg.Categories[domain.CategoryNetwork] = false

	src := newFakeSource()
	engine := newTestEngine(t, src, cfg)

	events := make(chan domain.SystemEvent, 16)
	engine.Subscribe(func(ev domain.SystemEvent) { events <- ev })

	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	src.records <- RawRecord{
		Category:    domain.CategoryNetwork,
		Timestamp:   time.Now(),
		PID:         1,
		ProcessName: "curl",
		Fields:      map[string]string{FieldOperation: "TCPConnect"},
	}
	src.records <- fsRecord("/etc/resolv.conf")

	ev := waitEvent(t, events)
	assert.Equal(t, domain.CategoryFileSystem, ev.Category)

	stats := engine.Stats()
	assert.Equal(t, int64(1), stats.EventsCaptured)
	// Disabled categories are skipped, not counted as drops.
	assert.Equal(t, int64(0), stats.EventsUnprocessed)
}

func TestEngineReadFaultNotifiesErrorSubscribers(t *testing.T) {
	src := newFakeSource()
	engine := newTestEngine(t, src, nil)

	faults := make(chan error, 1)
	engine.SubscribeErrors(func(err error) { faults <- err })

	require.NoError(t, engine.Start(context.Background()))

	src.faults <- errors.New("ring buffer torn")

	select {
	case err := <-faults:
		assert.Contains(t, err.Error(), "ring buffer torn")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fault notification")
	}

	// The fault transitions the engine to stopped on its own.
	require.Eventually(t, func() bool { return !engine.IsRunning() },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, engine.Stop(context.Background()))
}

func TestEngineIDsContinueAcrossSessions(t *testing.T) {
	src := newFakeSource()
	engine := newTestEngine(t, src, nil)

	events := make(chan domain.SystemEvent, 16)
	engine.Subscribe(func(ev domain.SystemEvent) { events <- ev })

	ctx := context.Background()
	require.NoError(t, engine.Start(ctx))
	src.records <- fsRecord("/a")
	assert.Equal(t, int64(1), waitEvent(t, events).ID)
	require.NoError(t, engine.Stop(ctx))

	// A restart must not reuse IDs: they identify persisted events.
	require.NoError(t, engine.Start(ctx))
	src.records <- fsRecord("/b")
	assert.Equal(t, int64(2), waitEvent(t, events).ID)
	require.NoError(t, engine.Stop(ctx))
}

func TestEngineSeedEventID(t *testing.T) {
	src := newFakeSource()
	engine := newTestEngine(t, src, nil)

	events := make(chan domain.SystemEvent, 16)
	engine.Subscribe(func(ev domain.SystemEvent) { events <- ev })

	engine.SeedEventID(41)
	// Seeding backwards never regresses the counter.
	engine.SeedEventID(7)

	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop(context.Background())

	src.records <- fsRecord("/a")
	assert.Equal(t, int64(42), waitEvent(t, events).ID)
}
