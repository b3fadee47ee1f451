//go:build !linux

package capture

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// EBPFSource is unavailable off Linux; Open always fails.
type EBPFSource struct {
	logger *zap.Logger
}

// NewEBPFSource creates the stub source for non-Linux platforms.
func NewEBPFSource(cfg *Config, logger *zap.Logger) *EBPFSource {
	return &EBPFSource{logger: logger.Named("ebpf-source")}
}

func (s *EBPFSource) Open(ctx context.Context) error {
	s.logger.Warn("eBPF tracing not supported on this platform")
	return fmt.Errorf("eBPF tracing requires Linux")
}

func (s *EBPFSource) Read() (RawRecord, error) {
	return RawRecord{}, errSourceClosed
}

func (s *EBPFSource) Close() error {
	return nil
}
