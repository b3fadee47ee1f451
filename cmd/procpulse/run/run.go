package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/procpulse/procpulse/pkg/capture"
	"github.com/procpulse/procpulse/pkg/config"
	"github.com/procpulse/procpulse/pkg/detector"
	"github.com/procpulse/procpulse/pkg/escalate"
	"github.com/procpulse/procpulse/pkg/monitor"
	"github.com/procpulse/procpulse/pkg/notify"
	"github.com/procpulse/procpulse/pkg/persistence"
	"github.com/procpulse/procpulse/pkg/router"
)

var configPath string

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Start the monitoring pipeline",
	Long: `Start capturing kernel activity and run the detection pipeline until
interrupted. Requires the privilege to load and attach BPF programs.`,
	RunE: runMonitor,
}

func init() {
	Cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	viper.SetEnvPrefix("PROCPULSE")
	viper.AutomaticEnv()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	source := capture.NewEBPFSource(&cfg.Capture, logger)
	engine, err := capture.NewEngine(&cfg.Capture, source, logger)
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(cfg.Persistence.Path)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	analyzer, err := buildAnalyzer(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	orch := monitor.New(
		monitor.Config{
			PersistBatchSize:      cfg.Persistence.BatchSize,
			Retention:             cfg.Retention(),
			SweepInterval:         cfg.Persistence.SweepInterval,
			AutoEscalate:          cfg.Escalation.Enabled,
			MinEscalationSeverity: cfg.MinEscalationSeverity(),
		},
		engine,
		router.NewFilter(cfg.Filter),
		router.NewBuffer(cfg.Buffer),
		detector.New(cfg.Detector, logger),
		store,
		analyzer,
		logger,
	)

	if cfg.Notify.NATSURL != "" {
		publisher, err := notify.NewNATSPublisher(logger, &notify.NATSConfig{
			URL:           cfg.Notify.NATSURL,
			Subject:       cfg.Notify.Subject,
			MaxReconnects: notify.DefaultNATSConfig().MaxReconnects,
			ReconnectWait: notify.DefaultNATSConfig().ReconnectWait,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		orch.SubscribePatterns(publisher.HandlePattern)
	}

	if cfg.MetricsAddr != "" {
		if err := monitor.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting monitoring: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	return orch.Stop()
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		configPath = viper.GetString("config")
	}
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func buildAnalyzer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (escalate.Analyzer, error) {
	if !cfg.Escalation.Enabled {
		return nil, nil
	}

	apiKey := viper.GetString("api_key")
	if apiKey == "" {
		logger.Warn("Escalation enabled but PROCPULSE_API_KEY is not set; patterns will not be diagnosed")
		return nil, nil
	}

	analyzer, err := escalate.NewOpenAIAnalyzer(ctx, escalate.Config{
		APIKey:      apiKey,
		Model:       cfg.Escalation.Model,
		BaseURL:     cfg.Escalation.BaseURL,
		Concurrency: cfg.Escalation.Concurrency,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating escalation analyzer: %w", err)
	}
	return analyzer, nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}
