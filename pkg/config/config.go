// Package config loads the procpulse configuration file and applies
// defaults for anything left unspecified.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/procpulse/procpulse/pkg/capture"
	"github.com/procpulse/procpulse/pkg/detector"
	"github.com/procpulse/procpulse/pkg/domain"
	"github.com/procpulse/procpulse/pkg/escalate"
	"github.com/procpulse/procpulse/pkg/notify"
	"github.com/procpulse/procpulse/pkg/router"
)

// Config is the full configuration tree.
type Config struct {
	Capture  capture.Config      `yaml:"capture"`
	Filter   router.FilterConfig `yaml:"filter"`
	Buffer   router.BufferConfig `yaml:"buffer"`
	Detector detector.Config     `yaml:"detector"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Notify      NotifyConfig      `yaml:"notify"`

	// MetricsAddr serves prometheus metrics and health when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
}

// PersistenceConfig configures the SQLite sink and retention policy.
type PersistenceConfig struct {
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	RetentionDays int           `yaml:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EscalationConfig configures the optional AI analysis collaborator. The API
// key is taken from the PROCPULSE_API_KEY environment variable, never from
// the file.
type EscalationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MinSeverity string `yaml:"min_severity"`
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"base_url"`
	Concurrency int    `yaml:"concurrency"`
}

// NotifyConfig configures the optional NATS pattern publisher; empty URL
// disables it.
type NotifyConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// Load reads and parses a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults sets default values for missing config fields.
func (c *Config) ApplyDefaults() {
	if c.Capture.Name == "" {
		def := capture.NewDefaultConfig("procpulse")
		if c.Capture.Categories == nil {
			c.Capture.Categories = def.Categories
		}
		if c.Capture.BPFObjectPath == "" {
			c.Capture.BPFObjectPath = def.BPFObjectPath
		}
		c.Capture.Name = def.Name
	}

	if c.Filter.SelfProcessName == "" {
		c.Filter.SelfProcessName = "procpulse"
	}

	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = router.DefaultCapacity
	}
	if c.Buffer.PruneInterval <= 0 {
		c.Buffer.PruneInterval = router.DefaultPruneInterval
	}

	if c.Persistence.Path == "" {
		c.Persistence.Path = "procpulse.db"
	}
	if c.Persistence.BatchSize <= 0 {
		c.Persistence.BatchSize = 100
	}
	if c.Persistence.RetentionDays <= 0 {
		c.Persistence.RetentionDays = 7
	}
	if c.Persistence.SweepInterval <= 0 {
		c.Persistence.SweepInterval = time.Hour
	}

	if c.Escalation.MinSeverity == "" {
		c.Escalation.MinSeverity = domain.SeverityHigh.String()
	}
	if c.Escalation.Model == "" {
		c.Escalation.Model = escalate.DefaultConfig().Model
	}
	if c.Escalation.Concurrency <= 0 {
		c.Escalation.Concurrency = escalate.DefaultConfig().Concurrency
	}

	if c.Notify.NATSURL != "" && c.Notify.Subject == "" {
		c.Notify.Subject = notify.DefaultNATSConfig().Subject
	}
}

// MinEscalationSeverity parses the configured severity floor.
func (c *Config) MinEscalationSeverity() domain.Severity {
	return domain.ParseSeverity(c.Escalation.MinSeverity)
}

// Retention converts retention-days to a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Persistence.RetentionDays) * 24 * time.Hour
}
