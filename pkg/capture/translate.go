package capture

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/procpulse/procpulse/pkg/domain"
)

// translator converts one raw record into a SystemEvent. Extraction is
// best-effort: a missing or malformed field yields a zero value, never an
// error. An error return means the whole record is unusable and gets dropped.
type translator func(RawRecord) (domain.SystemEvent, error)

// translatorFor returns the handler for a category. Unknown categories get
// the generic handler rather than being dropped.
func translatorFor(cat domain.EventCategory) translator {
	switch cat {
	case domain.CategoryFileSystem, domain.CategoryRegistry:
		return translatePathed
	case domain.CategoryProcess:
		return translateProcess
	case domain.CategoryNetwork:
		return translateNetwork
	default:
		return translateGeneric
	}
}

// translatePathed handles filesystem and registry records, which always carry
// a path-shaped target.
func translatePathed(rec RawRecord) (domain.SystemEvent, error) {
	ev := baseEvent(rec)
	if ev.Operation == "" {
		return domain.SystemEvent{}, fmt.Errorf("record without operation")
	}
	ev.Path = rec.Fields[FieldPath]
	return ev, nil
}

func translateProcess(rec RawRecord) (domain.SystemEvent, error) {
	ev := baseEvent(rec)
	if ev.Operation == "" {
		return domain.SystemEvent{}, fmt.Errorf("record without operation")
	}
	// Process events use the executable path when present.
	ev.Path = rec.Fields[FieldPath]
	if code, ok := rec.Fields["exit_code"]; ok {
		ev.Metadata = withMeta(ev.Metadata, "exit_code", code)
	}
	return ev, nil
}

func translateNetwork(rec RawRecord) (domain.SystemEvent, error) {
	ev := baseEvent(rec)
	if ev.Operation == "" {
		return domain.SystemEvent{}, fmt.Errorf("record without operation")
	}
	// Network events encode the remote endpoint as the path, matching how
	// the rest of the pipeline keys on Path.
	if addr, ok := rec.Fields["remote_addr"]; ok {
		ev.Path = addr
	}
	return ev, nil
}

func translateGeneric(rec RawRecord) (domain.SystemEvent, error) {
	ev := baseEvent(rec)
	ev.Category = domain.CategoryUnknown
	if ev.Operation == "" {
		ev.Operation = "Unknown"
	}
	return ev, nil
}

// baseEvent extracts the fields common to every category.
func baseEvent(rec RawRecord) domain.SystemEvent {
	ev := domain.SystemEvent{
		Timestamp:   rec.Timestamp,
		Category:    rec.Category,
		ProcessName: rec.ProcessName,
		PID:         rec.PID,
		TID:         rec.TID,
		Operation:   rec.Fields[FieldOperation],
		Result:      rec.Fields[FieldResult],
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if raw, ok := rec.Fields[FieldErrorCode]; ok {
		if code, err := strconv.ParseInt(raw, 10, 32); err == nil {
			ev.ErrorCode = int32(code)
		}
	}
	if raw, ok := rec.Fields[FieldDuration]; ok {
		if us, err := strconv.ParseInt(raw, 10, 64); err == nil && us >= 0 {
			ev.Duration = time.Duration(us) * time.Microsecond
		}
	}
	return ev
}

func withMeta(m map[string]string, k, v string) map[string]string {
	if m == nil {
		m = make(map[string]string, 1)
	}
	m[k] = v
	return m
}

// procNames resolves process names from PIDs for records whose comm field is
// missing. Lookups hit /proc, so results are cached; dead PIDs cache as
// empty string to avoid repeated misses.
type procNames struct {
	mu    sync.Mutex
	cache map[int32]string
}

func newProcNames() *procNames {
	return &procNames{cache: make(map[int32]string)}
}

func (p *procNames) resolve(pid int32) string {
	if pid <= 0 {
		return ""
	}

	p.mu.Lock()
	name, ok := p.cache[pid]
	p.mu.Unlock()
	if ok {
		return name
	}

	name = ""
	if proc, err := process.NewProcess(pid); err == nil {
		if n, err := proc.Name(); err == nil {
			name = n
		}
	}

	p.mu.Lock()
	// Cap the cache; PIDs recycle and a long session would otherwise grow
	// it without bound.
	if len(p.cache) > 16384 {
		p.cache = make(map[int32]string)
	}
	p.cache[pid] = name
	p.mu.Unlock()

	return name
}
