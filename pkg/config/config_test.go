package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procpulse/procpulse/pkg/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "procpulse", cfg.Capture.Name)
	assert.Equal(t, "procpulse", cfg.Filter.SelfProcessName)
	assert.Equal(t, "procpulse.db", cfg.Persistence.Path)
	assert.Equal(t, 100, cfg.Persistence.BatchSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	assert.Equal(t, domain.SeverityHigh, cfg.MinEscalationSeverity())
	assert.False(t, cfg.Escalation.Enabled)
	assert.Empty(t, cfg.Notify.NATSURL)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
persistence:
  path: /var/lib/procpulse/events.db
  retention_days: 30
escalation:
  enabled: true
  min_severity: critical
notify:
  nats_url: nats://127.0.0.1:4222
metrics_addr: ":9090"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Explicit values survive.
	assert.Equal(t, "/var/lib/procpulse/events.db", cfg.Persistence.Path)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.True(t, cfg.Escalation.Enabled)
	assert.Equal(t, domain.SeverityCritical, cfg.MinEscalationSeverity())
	assert.Equal(t, ":9090", cfg.MetricsAddr)

	// Everything unspecified is defaulted.
	assert.Equal(t, "procpulse", cfg.Capture.Name)
	assert.Equal(t, 100, cfg.Persistence.BatchSize)
	assert.NotEmpty(t, cfg.Escalation.Model)
	assert.Positive(t, cfg.Escalation.Concurrency)

	// A NATS URL pulls in the default subject.
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Notify.NATSURL)
	assert.NotEmpty(t, cfg.Notify.Subject)
}

func TestLoadDetectorThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
detector:
  window: 1m
  error_burst_threshold: 10
filter:
  drop_successes: true
  ignore_path_substrings:
    - /tmp/
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Detector.Window)
	assert.Equal(t, 10, cfg.Detector.ErrorBurstThreshold)
	assert.True(t, cfg.Filter.DropSuccesses)
	assert.Equal(t, []string{"/tmp/"}, cfg.Filter.IgnorePathSubstrings)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestUnknownSeverityDefaultsHigh(t *testing.T) {
	cfg := Default()
	cfg.Escalation.MinSeverity = "bogus"
	assert.Equal(t, domain.SeverityHigh, cfg.MinEscalationSeverity())
}
