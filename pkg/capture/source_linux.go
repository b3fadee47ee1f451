//go:build linux

package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/procpulse/procpulse/pkg/domain"
)

// Record types emitted by the BPF programs; must match the C-side enum.
const (
	rawTypeFileOpen uint8 = iota + 1
	rawTypeProcessStart
	rawTypeProcessExit
	rawTypeTCPConnect
	rawTypeUDPSend
)

// rawKernelEvent mirrors the C struct written to the ring buffer.
type rawKernelEvent struct {
	TimestampNS uint64
	PID         uint32
	TID         uint32
	Type        uint8
	_           [3]uint8
	RetCode     int32
	DurationNS  uint64
	Comm        [16]byte
	Path        [256]byte
}

// Paths treated as the system configuration store. File events under these
// prefixes are reported in the Registry category.
var configStorePrefixes = []string{"/etc/", "/proc/sys/", "/sys/"}

// EBPFSource is the privileged Linux trace source. It loads a pre-compiled
// BPF object, attaches tracepoints and kprobes for the enabled categories,
// and drains a ring buffer.
type EBPFSource struct {
	logger *zap.Logger
	config *Config

	mu     sync.Mutex
	opened bool
	closed bool
	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader
}

// NewEBPFSource creates the Linux trace source. Nothing is loaded until Open.
func NewEBPFSource(cfg *Config, logger *zap.Logger) *EBPFSource {
	if cfg == nil {
		cfg = NewDefaultConfig("capture")
	}
	return &EBPFSource{logger: logger.Named("ebpf-source"), config: cfg}
}

// Open loads the BPF object and attaches the probes. Insufficient privilege
// maps to ErrPermissionDenied with every partially-attached resource released.
func (s *EBPFSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil
	}
	s.closed = false

	if err := rlimit.RemoveMemlock(); err != nil {
		if isPermission(err) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("removing memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(s.config.BPFObjectPath)
	if err != nil {
		return fmt.Errorf("loading BPF object %s: %w", s.config.BPFObjectPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		if isPermission(err) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("creating BPF collection: %w", err)
	}

	cleanup := func() {
		for _, l := range s.links {
			l.Close()
		}
		s.links = nil
		coll.Close()
	}

	attach := func(name string, mk func(prog *ebpf.Program) (link.Link, error)) error {
		prog, ok := coll.Programs[name]
		if !ok {
			return fmt.Errorf("BPF object missing program %q", name)
		}
		l, err := mk(prog)
		if err != nil {
			return fmt.Errorf("attaching %s: %w", name, err)
		}
		s.links = append(s.links, l)
		return nil
	}

	if s.config.CategoryEnabled(domain.CategoryFileSystem) || s.config.CategoryEnabled(domain.CategoryRegistry) {
		if err := attach("trace_openat_exit", func(p *ebpf.Program) (link.Link, error) {
			return link.Tracepoint("syscalls", "sys_exit_openat", p, nil)
		}); err != nil {
			cleanup()
			if isPermission(err) {
				return ErrPermissionDenied
			}
			return err
		}
	}

	if s.config.CategoryEnabled(domain.CategoryProcess) {
		if err := attach("trace_execve", func(p *ebpf.Program) (link.Link, error) {
			return link.Tracepoint("syscalls", "sys_enter_execve", p, nil)
		}); err != nil {
			cleanup()
			if isPermission(err) {
				return ErrPermissionDenied
			}
			return err
		}
		if err := attach("trace_process_exit", func(p *ebpf.Program) (link.Link, error) {
			return link.Tracepoint("sched", "sched_process_exit", p, nil)
		}); err != nil {
			cleanup()
			if isPermission(err) {
				return ErrPermissionDenied
			}
			return err
		}
	}

	if s.config.CategoryEnabled(domain.CategoryNetwork) {
		// Network probes are best-effort: kprobe symbols vary across
		// kernels, so failures degrade to warnings like the other
		// optional probes.
		if err := attach("trace_tcp_connect", func(p *ebpf.Program) (link.Link, error) {
			return link.Kprobe("tcp_v4_connect", p, nil)
		}); err != nil {
			s.logger.Warn("TCP connect probe unavailable, continuing without it", zap.Error(err))
		}
		if err := attach("trace_udp_send", func(p *ebpf.Program) (link.Link, error) {
			return link.Kprobe("udp_sendmsg", p, nil)
		}); err != nil {
			s.logger.Warn("UDP send probe unavailable, continuing without it", zap.Error(err))
		}
	}

	reader, err := ringbuf.NewReader(coll.Maps["events"])
	if err != nil {
		cleanup()
		return fmt.Errorf("creating ring buffer reader: %w", err)
	}

	s.coll = coll
	s.reader = reader
	s.opened = true

	s.logger.Info("eBPF trace source opened",
		zap.String("object", s.config.BPFObjectPath),
		zap.Int("links", len(s.links)),
	)
	return nil
}

// Read blocks on the ring buffer until a parseable record arrives or the
// source is closed. Unparseable samples are logged and skipped rather than
// surfaced as pump-fatal errors.
func (s *EBPFSource) Read() (RawRecord, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()
	if reader == nil {
		return RawRecord{}, errSourceClosed
	}

	for {
		sample, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return RawRecord{}, errSourceClosed
			}
			return RawRecord{}, fmt.Errorf("reading ring buffer: %w", err)
		}

		var raw rawKernelEvent
		if err := binary.Read(bytes.NewReader(sample.RawSample), binary.LittleEndian, &raw); err != nil {
			s.logger.Warn("Skipping malformed ring buffer sample",
				zap.Error(err),
				zap.Int("size", len(sample.RawSample)),
			)
			continue
		}

		return s.convert(raw), nil
	}
}

// Close releases the reader, links, and collection. Safe to call repeatedly
// and concurrently with Read; closing the reader unblocks a blocked Read.
func (s *EBPFSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.opened {
		s.closed = true
		return nil
	}
	s.opened = false
	s.closed = true

	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	for _, l := range s.links {
		if err := l.Close(); err != nil {
			s.logger.Warn("Failed to close BPF link", zap.Error(err))
		}
	}
	s.links = nil
	if s.coll != nil {
		s.coll.Close()
		s.coll = nil
	}

	s.logger.Info("eBPF trace source closed")
	return nil
}

// convert maps a kernel record to the category-tagged raw form consumed by
// the translators.
func (s *EBPFSource) convert(raw rawKernelEvent) RawRecord {
	rec := RawRecord{
		Timestamp:   time.Unix(0, int64(raw.TimestampNS)),
		PID:         int32(raw.PID),
		TID:         int32(raw.TID),
		ProcessName: cString(raw.Comm[:]),
		Fields:      make(map[string]string, 5),
	}

	path := cString(raw.Path[:])
	rec.Fields[FieldResult] = resultFromRetCode(raw.RetCode)
	if raw.RetCode < 0 {
		rec.Fields[FieldErrorCode] = strconv.Itoa(int(-raw.RetCode))
	}
	if raw.DurationNS > 0 {
		rec.Fields[FieldDuration] = strconv.FormatUint(raw.DurationNS/1000, 10)
	}

	switch raw.Type {
	case rawTypeFileOpen:
		rec.Category = domain.CategoryFileSystem
		rec.Fields[FieldOperation] = "OpenFile"
		rec.Fields[FieldPath] = path
		if isConfigStorePath(path) {
			rec.Category = domain.CategoryRegistry
			rec.Fields[FieldOperation] = "ReadConfig"
		}
	case rawTypeProcessStart:
		rec.Category = domain.CategoryProcess
		rec.Fields[FieldOperation] = "ProcessStart"
		rec.Fields[FieldPath] = path
	case rawTypeProcessExit:
		rec.Category = domain.CategoryProcess
		rec.Fields[FieldOperation] = "ProcessExit"
		rec.Fields["exit_code"] = strconv.Itoa(int(raw.RetCode))
		// A nonzero exit is a failed operation from the pipeline's view.
		if raw.RetCode != 0 {
			rec.Fields[FieldResult] = fmt.Sprintf("EXITED %d", raw.RetCode)
		} else {
			rec.Fields[FieldResult] = domain.ResultSuccess
		}
	case rawTypeTCPConnect:
		rec.Category = domain.CategoryNetwork
		rec.Fields[FieldOperation] = "TCPConnect"
		rec.Fields["remote_addr"] = path
	case rawTypeUDPSend:
		rec.Category = domain.CategoryNetwork
		rec.Fields[FieldOperation] = "UDPSend"
		rec.Fields["remote_addr"] = path
	default:
		rec.Category = domain.CategoryUnknown
		rec.Fields[FieldOperation] = "Unknown"
	}

	return rec
}

// resultFromRetCode maps a syscall return code to a result token.
func resultFromRetCode(ret int32) string {
	switch {
	case ret >= 0:
		return domain.ResultSuccess
	case ret == -13 || ret == -1: // -EACCES, -EPERM
		return domain.ResultAccessDenied
	case ret == -2: // -ENOENT
		return domain.ResultNotFound
	case ret == -11 || ret == -16: // -EAGAIN, -EBUSY
		return domain.ResultSharingViolation
	case ret == -110: // -ETIMEDOUT
		return domain.ResultTimeout
	default:
		return fmt.Sprintf("ERROR %d", -ret)
	}
}

func isConfigStorePath(path string) bool {
	for _, prefix := range configStorePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func isPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
