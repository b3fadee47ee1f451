package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/procpulse/procpulse/pkg/domain"
	"github.com/procpulse/procpulse/pkg/notify"
)

// Stats is a snapshot of capture engine counters for the current session.
type Stats struct {
	EventsCaptured    int64
	EventsUnprocessed int64
	LastEventTime     time.Time
}

// Engine owns the privileged tracing session and the single pump goroutine
// that drains it. Translated events are delivered synchronously on the pump
// goroutine to every registered subscriber; there is no internal queue, so a
// slow subscriber throttles capture directly.
type Engine struct {
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	config *Config
	source TraceSource
	names  *procNames

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	pumpDone chan struct{}

	subMu       sync.RWMutex
	subscribers []notify.EventHandler
	errSubs     []notify.ErrorHandler

	nextID        atomic.Int64
	captured      atomic.Int64
	unprocessed   atomic.Int64
	lastEventTime atomic.Value // time.Time

	// OTEL metrics
	eventsProcessed metric.Int64Counter
	errorsTotal     metric.Int64Counter
	droppedEvents   metric.Int64Counter
	processingTime  metric.Float64Histogram
}

// NewEngine creates a capture engine around the given trace source.
func NewEngine(cfg *Config, source TraceSource, logger *zap.Logger) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("trace source cannot be nil")
	}
	if cfg == nil {
		cfg = NewDefaultConfig("capture")
	}
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	tracer := otel.Tracer("capture-engine")
	meter := otel.Meter("capture-engine")

	eventsProcessed, err := meter.Int64Counter(
		fmt.Sprintf("%s_events_captured_total", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Total events captured by %s", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create events captured counter", zap.Error(err))
	}

	errorsTotal, err := meter.Int64Counter(
		fmt.Sprintf("%s_errors_total", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Total errors in %s", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create errors counter", zap.Error(err))
	}

	droppedEvents, err := meter.Int64Counter(
		fmt.Sprintf("%s_dropped_events_total", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Total untranslatable events dropped by %s", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create dropped events counter", zap.Error(err))
	}

	processingTime, err := meter.Float64Histogram(
		fmt.Sprintf("%s_processing_duration_ms", cfg.Name),
		metric.WithDescription(fmt.Sprintf("Translation and delivery duration for %s in milliseconds", cfg.Name)),
	)
	if err != nil {
		logger.Warn("Failed to create processing time histogram", zap.Error(err))
	}

	e := &Engine{
		name:            cfg.Name,
		logger:          logger.Named(cfg.Name),
		tracer:          tracer,
		config:          cfg,
		source:          source,
		names:           newProcNames(),
		eventsProcessed: eventsProcessed,
		errorsTotal:     errorsTotal,
		droppedEvents:   droppedEvents,
		processingTime:  processingTime,
	}
	e.lastEventTime.Store(time.Time{})
	return e, nil
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return e.name
}

// Subscribe registers an event handler. Handlers run synchronously on the
// pump goroutine in registration order.
func (e *Engine) Subscribe(h notify.EventHandler) {
	e.subMu.Lock()
	e.subscribers = append(e.subscribers, h)
	e.subMu.Unlock()
}

// SubscribeErrors registers a capture-error handler.
func (e *Engine) SubscribeErrors(h notify.ErrorHandler) {
	e.subMu.Lock()
	e.errSubs = append(e.errSubs, h)
	e.subMu.Unlock()
}

// Start opens the trace source and launches the pump. It is idempotent:
// calling Start on a running engine is a no-op. A permission failure returns
// ErrPermissionDenied and leaves no native resource open, so Start may be
// retried after elevation.
func (e *Engine) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "capture.engine.start")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		e.logger.Debug("Capture engine already started")
		return nil
	}

	if err := e.source.Open(ctx); err != nil {
		span.SetAttributes(attribute.String("error", "source_open_failed"))
		if errors.Is(err, ErrPermissionDenied) {
			e.logger.Error("Insufficient privilege to open trace source", zap.Error(err))
			return ErrPermissionDenied
		}
		return fmt.Errorf("opening trace source: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.pumpDone = make(chan struct{})
	e.started = true
	e.captured.Store(0)
	e.unprocessed.Store(0)

	go e.pump(pumpCtx, e.pumpDone)

	e.logger.Info("Capture engine started", zap.String("name", e.name))
	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

// Stop signals the pump, releases the trace source, and waits for the pump to
// exit until ctx is done. On timeout it logs and returns nil anyway: the
// source is already released and the pump exits on its own schedule. Stop is
// idempotent and a no-op when the engine was never started.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		e.logger.Debug("Capture engine already stopped")
		return nil
	}
	e.started = false
	e.cancel()
	e.cancel = nil

	// Closing the source unblocks the pump's Read.
	if err := e.source.Close(); err != nil && !errors.Is(err, errSourceClosed) {
		e.logger.Warn("Error closing trace source", zap.Error(err))
	}
	done := e.pumpDone
	e.mu.Unlock()

	select {
	case <-done:
		e.logger.Info("Capture engine stopped")
	case <-ctx.Done():
		e.logger.Warn("Timed out waiting for capture pump to exit; resources released best-effort")
	}
	return nil
}

// SeedEventID advances the event ID counter so the next assigned ID is
// greater than id. Event IDs never reset: they identify events in persisted
// history, so a restarted session must continue past whatever is already
// stored. Seeding backwards is a no-op.
func (e *Engine) SeedEventID(id int64) {
	for {
		cur := e.nextID.Load()
		if id <= cur || e.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// IsRunning reports whether a session is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Stats returns a snapshot of session counters.
func (e *Engine) Stats() Stats {
	last, _ := e.lastEventTime.Load().(time.Time)
	return Stats{
		EventsCaptured:    e.captured.Load(),
		EventsUnprocessed: e.unprocessed.Load(),
		LastEventTime:     last,
	}
}

// pump is the single long-running loop draining the trace source. It exits on
// cancellation, source close, or an unrecoverable read fault. Faults are
// surfaced through the error subscribers and transition the engine to
// stopped.
func (e *Engine) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("capture pump panic: %v", r)
			e.logger.Error("Capture pump crashed", zap.Any("panic", r))
			e.failPump(ctx, err)
		}
	}()

	for {
		rec, err := e.source.Read()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errSourceClosed) {
				return
			}
			e.logger.Error("Trace source read failed", zap.Error(err))
			e.failPump(ctx, fmt.Errorf("trace source read: %w", err))
			return
		}

		if !e.config.CategoryEnabled(rec.Category) {
			continue
		}

		start := time.Now()
		ev, ok := e.translate(ctx, rec)
		if !ok {
			continue
		}

		ev.ID = e.nextID.Add(1)
		e.captured.Add(1)
		e.lastEventTime.Store(ev.Timestamp)
		if e.eventsProcessed != nil {
			e.eventsProcessed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("category", string(ev.Category)),
			))
		}

		e.deliver(ev)

		if e.processingTime != nil {
			e.processingTime.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// translate runs the per-category handler with panic containment. A failed
// translation drops the record and counts it as unprocessed.
func (e *Engine) translate(ctx context.Context, rec RawRecord) (ev domain.SystemEvent, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Translator panic, dropping record",
				zap.Any("panic", r),
				zap.String("category", string(rec.Category)),
			)
			e.recordDrop(ctx)
			ok = false
		}
	}()

	if rec.ProcessName == "" {
		rec.ProcessName = e.names.resolve(rec.PID)
	}

	ev, err := translatorFor(rec.Category)(rec)
	if err != nil {
		e.logger.Debug("Dropping untranslatable record",
			zap.Error(err),
			zap.String("category", string(rec.Category)),
			zap.Int32("pid", rec.PID),
		)
		e.recordDrop(ctx)
		return domain.SystemEvent{}, false
	}
	return ev, true
}

func (e *Engine) recordDrop(ctx context.Context) {
	e.unprocessed.Add(1)
	if e.droppedEvents != nil {
		e.droppedEvents.Add(ctx, 1)
	}
	if e.errorsTotal != nil {
		e.errorsTotal.Add(ctx, 1)
	}
}

// deliver fans the event out to subscribers on the calling (pump) goroutine.
func (e *Engine) deliver(ev domain.SystemEvent) {
	e.subMu.RLock()
	subs := e.subscribers
	e.subMu.RUnlock()
	for _, h := range subs {
		h(ev)
	}
}

// failPump handles an unrecoverable pump fault: the source is released, the
// engine transitions to stopped, and the fault is fanned out to error
// subscribers.
func (e *Engine) failPump(ctx context.Context, err error) {
	if e.errorsTotal != nil {
		e.errorsTotal.Add(ctx, 1)
	}

	e.mu.Lock()
	if e.started {
		e.started = false
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
		if cerr := e.source.Close(); cerr != nil && !errors.Is(cerr, errSourceClosed) {
			e.logger.Warn("Error closing trace source after fault", zap.Error(cerr))
		}
	}
	e.mu.Unlock()

	e.subMu.RLock()
	subs := e.errSubs
	e.subMu.RUnlock()
	for _, h := range subs {
		h(err)
	}
}
