package capture

import (
	"context"
	"errors"
	"time"

	"github.com/procpulse/procpulse/pkg/domain"
)

// ErrPermissionDenied is returned by Engine.Start when the caller lacks the
// privilege required to open the tracing source. The engine is left fully
// stopped and Start may be retried after elevation.
var ErrPermissionDenied = errors.New("capture: permission denied opening trace source")

// errSourceClosed is returned by Read after Close; the pump treats it as a
// clean shutdown signal.
var errSourceClosed = errors.New("capture: trace source closed")

// RawRecord is one untranslated callback from the trace source. Fields is
// category-specific and any key may be absent; translators extract
// best-effort.
type RawRecord struct {
	Category    domain.EventCategory
	Timestamp   time.Time
	PID         int32
	TID         int32
	ProcessName string
	Fields      map[string]string
}

// Well-known RawRecord field keys shared by the built-in translators.
const (
	FieldOperation = "operation"
	FieldPath      = "path"
	FieldResult    = "result"
	FieldErrorCode = "error_code"
	FieldDuration  = "duration_us"
)

// TraceSource is the privileged kernel tracing session. Implementations are
// platform-specific; tests use an in-memory fake.
//
// Read blocks until a record is available, the source is closed, or ctx given
// to Open is cancelled. After Close, Read must return promptly.
type TraceSource interface {
	Open(ctx context.Context) error
	Read() (RawRecord, error)
	Close() error
}
