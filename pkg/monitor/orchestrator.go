// Package monitor wires capture, filtering, detection, persistence, and
// escalation into one pipeline and owns its lifecycle.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/procpulse/procpulse/pkg/capture"
	"github.com/procpulse/procpulse/pkg/detector"
	"github.com/procpulse/procpulse/pkg/domain"
	"github.com/procpulse/procpulse/pkg/escalate"
	"github.com/procpulse/procpulse/pkg/notify"
	"github.com/procpulse/procpulse/pkg/persistence"
	"github.com/procpulse/procpulse/pkg/router"
)

// Config holds orchestrator policy.
type Config struct {
	// PersistBatchSize amortizes event writes: the batch is flushed every
	// Nth event. A crash between flushes loses at most N-1 events.
	PersistBatchSize int `yaml:"persist_batch_size" json:"persist_batch_size"`

	// Retention bounds how long persisted events are kept.
	Retention time.Duration `yaml:"retention" json:"retention"`

	// SweepInterval schedules the retention sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// StopTimeout bounds how long Stop waits for the capture pump.
	StopTimeout time.Duration `yaml:"stop_timeout" json:"stop_timeout"`

	// AutoEscalate gates escalation; MinEscalationSeverity is the floor.
	AutoEscalate          bool            `yaml:"auto_escalate" json:"auto_escalate"`
	MinEscalationSeverity domain.Severity `yaml:"min_escalation_severity" json:"min_escalation_severity"`

	// EscalationTimeout bounds one escalation round trip.
	EscalationTimeout time.Duration `yaml:"escalation_timeout" json:"escalation_timeout"`
}

// DefaultConfig returns orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		PersistBatchSize:      100,
		Retention:             7 * 24 * time.Hour,
		SweepInterval:         time.Hour,
		StopTimeout:           5 * time.Second,
		AutoEscalate:          true,
		MinEscalationSeverity: domain.SeverityHigh,
		EscalationTimeout:     2 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PersistBatchSize <= 0 {
		c.PersistBatchSize = def.PersistBatchSize
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = def.EscalationTimeout
	}
}

// Orchestrator owns the full pipeline lifecycle. Events flow from the
// capture engine through the filter into the buffer, batched persistence,
// and the detector; fired patterns fan out to subscribers and optionally to
// the escalation analyzer.
type Orchestrator struct {
	logger   *zap.Logger
	cfg      Config
	engine   *capture.Engine
	filter   *router.Filter
	buffer   *router.Buffer
	detector *detector.Detector
	store    persistence.Store
	analyzer escalate.Analyzer // optional capability

	mu           sync.Mutex
	running      bool
	sessionStart time.Time
	sweepCancel  context.CancelFunc
	sweepDone    chan struct{}
	batch        []domain.SystemEvent

	subMu       sync.RWMutex
	patternSubs []notify.PatternHandler

	eventsProcessed  atomic.Int64
	patternsDetected atomic.Int64

	now func() time.Time
}

// New wires the pipeline. analyzer may be nil; escalation is then skipped
// with an explicit log line rather than silently.
func New(
	cfg Config,
	engine *capture.Engine,
	filter *router.Filter,
	buffer *router.Buffer,
	det *detector.Detector,
	store persistence.Store,
	analyzer escalate.Analyzer,
	logger *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		logger:   logger.Named("monitor"),
		cfg:      cfg,
		engine:   engine,
		filter:   filter,
		buffer:   buffer,
		detector: det,
		store:    store,
		analyzer: analyzer,
		now:      time.Now,
	}

	engine.Subscribe(o.handleEvent)
	engine.SubscribeErrors(o.handleCaptureError)
	return o
}

// SubscribePatterns registers a fired-pattern handler. Handlers run
// synchronously on the pump goroutine.
func (o *Orchestrator) SubscribePatterns(h notify.PatternHandler) {
	o.subMu.Lock()
	o.patternSubs = append(o.patternSubs, h)
	o.subMu.Unlock()
}

// Start readies the store, resets session statistics, starts capture, and
// launches the retention sweep. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		o.logger.Debug("Monitoring already running")
		return nil
	}

	if err := o.store.Ready(ctx); err != nil {
		return err
	}

	// Events that straggled in after the previous session's final flush.
	if leftover := o.batch; len(leftover) > 0 {
		o.batch = nil
		o.logger.Warn("Persisting events held over from previous session",
			zap.Int("count", len(leftover)))
		flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := o.store.AppendEvents(flushCtx, leftover); err != nil {
			o.logger.Error("Failed to persist held-over events; events lost",
				zap.Error(err), zap.Int("count", len(leftover)))
		}
		cancel()
	}

	// Continue event IDs past stored history so a restart never reuses the
	// IDs of persisted rows.
	if lastID, err := o.store.LastEventID(ctx); err != nil {
		o.logger.Warn("Could not read last stored event id; new ids may collide with stored history",
			zap.Error(err))
	} else {
		o.engine.SeedEventID(lastID)
	}

	o.eventsProcessed.Store(0)
	o.patternsDetected.Store(0)
	o.sessionStart = o.now()

	if err := o.engine.Start(ctx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.sweepCancel = cancel
	o.sweepDone = make(chan struct{})
	go o.retentionSweep(sweepCtx, o.sweepDone)

	o.running = true
	o.logger.Info("Monitoring started",
		zap.Int("persist_batch_size", o.cfg.PersistBatchSize),
		zap.Duration("retention", o.cfg.Retention),
		zap.Bool("auto_escalate", o.cfg.AutoEscalate && o.analyzer != nil),
	)
	return nil
}

// Stop stops capture with a bounded wait, flushes the persistence batch, and
// logs a session summary. In-flight escalations are left to finish on their
// own schedule. Idempotent.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		o.logger.Debug("Monitoring already stopped")
		return nil
	}
	o.running = false
	sweepCancel := o.sweepCancel
	sweepDone := o.sweepDone
	o.sweepCancel = nil
	o.sweepDone = nil
	start := o.sessionStart
	o.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StopTimeout)
	defer cancel()
	if err := o.engine.Stop(stopCtx); err != nil {
		o.logger.Warn("Capture engine stop reported error", zap.Error(err))
	}

	if sweepCancel != nil {
		sweepCancel()
		<-sweepDone
	}

	o.flushBatch()

	duration := o.now().Sub(start)
	events := o.eventsProcessed.Load()
	rate := 0.0
	if duration.Seconds() > 0 {
		rate = float64(events) / duration.Seconds()
	}
	o.logger.Info("Monitoring stopped",
		zap.Duration("session_duration", duration),
		zap.Int64("events_processed", events),
		zap.Int64("patterns_detected", o.patternsDetected.Load()),
		zap.Float64("events_per_second", rate),
	)
	return nil
}

// Statistics returns a snapshot for the current session.
func (o *Orchestrator) Statistics() domain.MonitoringStats {
	o.mu.Lock()
	start := o.sessionStart
	o.mu.Unlock()

	uptime := o.now().Sub(start)
	events := o.eventsProcessed.Load()
	rate := 0.0
	if uptime > time.Millisecond {
		rate = float64(events) / uptime.Seconds()
	}
	return domain.MonitoringStats{
		EventsProcessed:  events,
		PatternsDetected: o.patternsDetected.Load(),
		SessionStart:     start,
		Uptime:           uptime,
		EventsPerSecond:  rate,
	}
}

// handleEvent runs on the capture pump goroutine for every translated event.
func (o *Orchestrator) handleEvent(ev domain.SystemEvent) {
	if o.filter.Suppress(&ev) {
		return
	}

	o.eventsProcessed.Add(1)
	eventsTotal.Inc()

	o.buffer.Append(ev)
	bufferRetained.Set(float64(o.buffer.Len()))

	o.mu.Lock()
	o.batch = append(o.batch, ev)
	shouldFlush := len(o.batch) >= o.cfg.PersistBatchSize
	o.mu.Unlock()
	if shouldFlush {
		o.flushBatch()
	}

	for _, p := range o.detector.Analyze(ev) {
		o.handlePattern(p)
	}
}

func (o *Orchestrator) handlePattern(p domain.DetectedPattern) {
	o.patternsDetected.Add(1)
	patternsTotal.WithLabelValues(p.Severity.String()).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := o.store.AppendPattern(ctx, p); err != nil {
		o.logger.Error("Failed to persist pattern", zap.Error(err), zap.String("pattern_id", p.ID))
	}
	cancel()

	o.subMu.RLock()
	subs := o.patternSubs
	o.subMu.RUnlock()
	for _, h := range subs {
		h(p)
	}

	o.maybeEscalate(p)
}

// maybeEscalate launches escalation asynchronously; it never blocks or fails
// ingestion, and shutdown does not cancel an in-flight call.
func (o *Orchestrator) maybeEscalate(p domain.DetectedPattern) {
	if !o.cfg.AutoEscalate {
		return
	}
	if o.analyzer == nil {
		o.logger.Debug("Escalation skipped: no analyzer configured",
			zap.String("pattern_id", p.ID))
		escalationsTotal.WithLabelValues(OutcomeSkipped).Inc()
		return
	}
	if p.Severity < o.cfg.MinEscalationSeverity {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.EscalationTimeout)
		defer cancel()

		events, err := o.store.EventsByIDs(ctx, p.RelatedEventIDs)
		if err != nil {
			o.logger.Warn("Could not fetch related events from store; falling back to buffer",
				zap.Error(err), zap.String("pattern_id", p.ID))
		}
		if len(events) < len(p.RelatedEventIDs) {
			// Events batched but not yet flushed are only in the buffer.
			events = mergeBufferedEvents(events, o.buffer.Snapshot(), p.RelatedEventIDs)
		}

		diagnosis, err := o.analyzer.Analyze(ctx, p, events)
		if err != nil {
			o.logger.Error("Escalation failed; pattern retained without diagnosis",
				zap.Error(err), zap.String("pattern_id", p.ID))
			escalationsTotal.WithLabelValues(OutcomeError).Inc()
			return
		}

		analyzedAt := o.now()
		p.RootCause = diagnosis.RootCause
		p.Remediation = diagnosis.Remediation
		p.Prevention = diagnosis.Prevention
		p.AnalyzedAt = &analyzedAt

		if err := o.store.UpdatePattern(ctx, p); err != nil {
			o.logger.Error("Failed to persist escalation diagnosis",
				zap.Error(err), zap.String("pattern_id", p.ID))
			escalationsTotal.WithLabelValues(OutcomeError).Inc()
			return
		}
		escalationsTotal.WithLabelValues(OutcomeSuccess).Inc()

		o.logger.Info("Pattern diagnosed",
			zap.String("pattern_id", p.ID),
			zap.String("root_cause", diagnosis.RootCause),
			zap.Float64("confidence", diagnosis.Confidence),
		)
	}()
}

// mergeBufferedEvents fills ids missing from the store result with buffered
// copies, keeping id order.
func mergeBufferedEvents(fromStore, buffered []domain.SystemEvent, ids []int64) []domain.SystemEvent {
	have := make(map[int64]domain.SystemEvent, len(ids))
	for _, ev := range fromStore {
		have[ev.ID] = ev
	}
	for _, ev := range buffered {
		if _, ok := have[ev.ID]; !ok {
			have[ev.ID] = ev
		}
	}

	out := make([]domain.SystemEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := have[id]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (o *Orchestrator) handleCaptureError(err error) {
	o.logger.Error("Capture error", zap.Error(err))
}

// flushBatch persists the pending event batch. Persistence errors are
// transient: logged, the batch dropped, ingestion continues.
func (o *Orchestrator) flushBatch() {
	o.mu.Lock()
	batch := o.batch
	o.batch = nil
	o.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.AppendEvents(ctx, batch); err != nil {
		o.logger.Error("Failed to persist event batch; events lost",
			zap.Error(err), zap.Int("batch_size", len(batch)))
	}
}

// retentionSweep periodically deletes persisted events past retention.
func (o *Orchestrator) retentionSweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := o.now().Add(-o.cfg.Retention)
			sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
			deleted, err := o.store.DeleteEventsBefore(sweepCtx, cutoff)
			cancel()
			if err != nil {
				o.logger.Warn("Retention sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				o.logger.Info("Retention sweep deleted old events",
					zap.Int64("deleted", deleted),
					zap.Time("cutoff", cutoff))
			}
		}
	}
}
