package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/procpulse/procpulse/pkg/domain"
)

const (
	// DefaultCapacity is the hard retention cap for buffered events.
	DefaultCapacity = 200_000
	// DefaultPruneInterval throttles how often the cap is enforced.
	DefaultPruneInterval = 10 * time.Second
)

// BufferConfig configures the bounded history buffer.
type BufferConfig struct {
	Capacity      int           `yaml:"capacity" json:"capacity"`
	PruneInterval time.Duration `yaml:"prune_interval" json:"prune_interval"`
}

// DefaultBufferConfig returns the default capacity and prune throttle.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{Capacity: DefaultCapacity, PruneInterval: DefaultPruneInterval}
}

// Buffer is a tail-insert, head-prune event history with a hard retention
// cap. Cap enforcement is throttled: pruning runs at most once per interval,
// trading precise bound enforcement for less synchronization on the hot
// append path. A burst between prune cycles may transiently exceed the cap.
type Buffer struct {
	cfg BufferConfig

	mu     sync.RWMutex
	events []domain.SystemEvent

	totalIngested atomic.Int64
	lastPruneNano atomic.Int64
}

// NewBuffer creates a buffer; zero-valued config fields fall back to
// defaults.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	b := &Buffer{cfg: cfg}
	b.lastPruneNano.Store(time.Now().UnixNano())
	return b
}

// Append adds an event to the tail. The prune-throttle check is an atomic
// load, so the fast path never contends with readers beyond the append lock
// itself.
func (b *Buffer) Append(ev domain.SystemEvent) {
	b.totalIngested.Add(1)

	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()

	now := time.Now().UnixNano()
	last := b.lastPruneNano.Load()
	if now-last < int64(b.cfg.PruneInterval) {
		return
	}
	if b.lastPruneNano.CompareAndSwap(last, now) {
		b.Prune()
	}
}

// Prune enforces the retention cap immediately, dropping the oldest entries.
func (b *Buffer) Prune() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if excess := len(b.events) - b.cfg.Capacity; excess > 0 {
		b.events = append(b.events[:0:0], b.events[excess:]...)
	}
}

// TotalIngested returns the monotonic count of all appended events,
// including ones since pruned.
func (b *Buffer) TotalIngested() int64 {
	return b.totalIngested.Load()
}

// Len returns the currently retained count.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Recent returns up to n most recent events in chronological order.
func (b *Buffer) Recent(n int) []domain.SystemEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || len(b.events) == 0 {
		return nil
	}
	if n > len(b.events) {
		n = len(b.events)
	}
	out := make([]domain.SystemEvent, n)
	copy(out, b.events[len(b.events)-n:])
	return out
}

// Snapshot returns a copy of the full retained history.
func (b *Buffer) Snapshot() []domain.SystemEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.SystemEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Clear atomically drops the retained history. The total-ingested counter is
// unaffected.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}
