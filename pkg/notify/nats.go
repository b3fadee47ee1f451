package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/procpulse/procpulse/pkg/domain"
)

// NATSConfig configures the optional pattern publisher.
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url"`
	Subject       string        `yaml:"subject" json:"subject"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
}

// DefaultNATSConfig returns sensible publisher defaults.
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "procpulse.patterns",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSPublisher publishes fired patterns to a NATS subject as JSON. It is an
// optional sink; the orchestrator only wires it when a URL is configured.
type NATSPublisher struct {
	logger  *zap.Logger
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to NATS with reconnect handling.
func NewNATSPublisher(logger *zap.Logger, cfg *NATSConfig) (*NATSPublisher, error) {
	if cfg == nil {
		cfg = DefaultNATSConfig()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("NATS pattern publisher connected",
		zap.String("url", cfg.URL),
		zap.String("subject", cfg.Subject),
	)

	return &NATSPublisher{
		logger:  logger,
		nc:      nc,
		subject: cfg.Subject,
	}, nil
}

// HandlePattern satisfies PatternHandler. Publish failures are logged and
// never propagate into the pipeline.
func (p *NATSPublisher) HandlePattern(pattern domain.DetectedPattern) {
	data, err := json.Marshal(pattern)
	if err != nil {
		p.logger.Error("Failed to marshal pattern", zap.Error(err), zap.String("pattern_id", pattern.ID))
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		p.logger.Error("Failed to publish pattern",
			zap.Error(err),
			zap.String("subject", p.subject),
			zap.String("pattern_id", pattern.ID),
		)
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
