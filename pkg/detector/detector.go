// Package detector runs stateful streaming analysis over the filtered event
// stream and produces typed anomaly findings.
package detector

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/procpulse/procpulse/pkg/domain"
)

// Detector analyzes one event at a time against shared bucket state.
// Analyze is the single mutual-exclusion boundary for that state: it is
// serialized by an internal mutex and must not be re-entered from a rule.
//
// Detection windows are measured from wall-clock processing time, not event
// timestamps. Under replay or catch-up after a burst this can under- or
// over-fire relative to strict real time; callers replaying history should
// feed events at a realistic pace.
type Detector struct {
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	buckets map[string][]domain.SystemEvent
	recent  []domain.SystemEvent
	history []domain.DetectedPattern

	patternsFired metric.Int64Counter
	now           func() time.Time
}

// New creates a detector with the given policy; zero config values fall back
// to defaults.
func New(cfg Config, logger *zap.Logger) *Detector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter("pattern-detector")
	patternsFired, err := meter.Int64Counter(
		"detector_patterns_fired_total",
		metric.WithDescription("Total patterns fired, by type"),
	)
	if err != nil {
		logger.Warn("Failed to create patterns fired counter", zap.Error(err))
	}

	return &Detector{
		logger:        logger.Named("detector"),
		cfg:           cfg,
		buckets:       make(map[string][]domain.SystemEvent),
		patternsFired: patternsFired,
		now:           time.Now,
	}
}

// Analyze runs housekeeping and then every rule, in fixed order, against the
// new event. It returns zero or more findings.
func (d *Detector) Analyze(ev domain.SystemEvent) []domain.DetectedPattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.housekeep(now)
	d.recent = append(d.recent, ev)

	var found []domain.DetectedPattern
	for _, rule := range []func(domain.SystemEvent, time.Time) *domain.DetectedPattern{
		d.detectErrorBurst,
		d.detectAccessDenied,
		d.detectFileLockConflict,
		d.detectRegistryThrashing,
		d.detectRapidProcessCrash,
		d.detectCascadingFailure,
		d.detectSlowOperations,
	} {
		if p := rule(ev, now); p != nil {
			d.record(*p)
			found = append(found, *p)
		}
	}
	return found
}

// housekeep prunes every bucket to the detection window measured back from
// now, drops empty buckets, and trims the rolling recent list to twice the
// window and the configured size cap.
func (d *Detector) housekeep(now time.Time) {
	cutoff := now.Add(-d.cfg.Window)
	for key, events := range d.buckets {
		kept := pruneBefore(events, cutoff)
		if len(kept) == 0 {
			delete(d.buckets, key)
		} else {
			d.buckets[key] = kept
		}
	}

	d.recent = pruneBefore(d.recent, now.Add(-2*d.cfg.Window))
	if excess := len(d.recent) - d.cfg.MaxRecentEvents; excess > 0 {
		d.recent = append(d.recent[:0:0], d.recent[excess:]...)
	}
}

// pruneBefore drops the leading entries older than cutoff, relying on the
// slices being append-ordered.
func pruneBefore(events []domain.SystemEvent, cutoff time.Time) []domain.SystemEvent {
	i := 0
	for i < len(events) && events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}

// record appends to the capped fired-pattern history.
func (d *Detector) record(p domain.DetectedPattern) {
	d.history = append(d.history, p)
	if excess := len(d.history) - d.cfg.HistoryCap; excess > 0 {
		d.history = append(d.history[:0:0], d.history[excess:]...)
	}
	if d.patternsFired != nil {
		d.patternsFired.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", string(p.Type)),
			attribute.String("severity", p.Severity.String()),
		))
	}
	d.logger.Info("Pattern detected",
		zap.String("type", string(p.Type)),
		zap.String("severity", p.Severity.String()),
		zap.Int("occurrences", p.Occurrences),
		zap.String("description", p.Description),
	)
}

// History returns a copy of the fired-pattern log, oldest first.
func (d *Detector) History() []domain.DetectedPattern {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DetectedPattern, len(d.history))
	copy(out, d.history)
	return out
}

// Stats aggregates the fired-pattern history.
func (d *Detector) Stats() domain.PatternStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := domain.PatternStats{
		Total:      len(d.history),
		BySeverity: make(map[domain.Severity]int),
	}
	if len(d.history) == 0 {
		return stats
	}

	var confSum float64
	stats.FirstDetected = d.history[0].FirstSeen
	stats.LastDetected = d.history[0].LastSeen
	for _, p := range d.history {
		confSum += p.Confidence
		stats.BySeverity[p.Severity]++
		if p.FirstSeen.Before(stats.FirstDetected) {
			stats.FirstDetected = p.FirstSeen
		}
		if p.LastSeen.After(stats.LastDetected) {
			stats.LastDetected = p.LastSeen
		}
	}
	stats.MeanConfidence = confSum / float64(len(d.history))
	return stats
}

// bucketKey builds a stable composite key; parts never contain the separator
// in practice, and a collision would only merge two buckets.
func bucketKey(parts ...string) string {
	key := parts[0]
	for _, p := range parts[1:] {
		key += "|" + p
	}
	return key
}

func eventIDs(events []domain.SystemEvent) []int64 {
	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}
