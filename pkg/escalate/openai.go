package escalate

import (
	"context"
	"fmt"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/openai"
	"go.uber.org/zap"

	"github.com/procpulse/procpulse/pkg/domain"
)

const systemPrompt = `You are a systems diagnostician. You receive an anomaly pattern detected in a live stream of OS activity events (file, configuration store, process, network) together with the raw events that triggered it.

Your task is to determine the most likely root cause and recommend a fix.

GUIDANCE:
- Reason from the raw events, not just the pattern summary. Timestamps, error codes, and which processes are involved matter.
- Repeated identical failures usually indicate persistent misconfiguration; interleaved failures across processes usually indicate a shared dependency.
- Prefer specific, actionable remediation ("grant write access to X for user Y") over generic advice.
- If the evidence is thin, say so through a lower confidence score rather than inventing detail.

Submit your diagnosis through the provided tool.`

// Config configures the OpenAI-compatible analyzer.
type Config struct {
	APIKey      string `yaml:"-" json:"-"`
	Model       string `yaml:"model" json:"model"`
	BaseURL     string `yaml:"base_url" json:"base_url"`
	Concurrency int    `yaml:"concurrency" json:"concurrency"`
}

// DefaultConfig returns analyzer defaults; the API key always comes from the
// environment.
func DefaultConfig() Config {
	return Config{Model: "gpt-4o-mini", Concurrency: 4}
}

// OpenAIAnalyzer implements Analyzer against any OpenAI-compatible endpoint.
// A semaphore caps concurrent in-flight calls.
type OpenAIAnalyzer struct {
	logger    *zap.Logger
	model     fantasy.LanguageModel
	semaphore chan struct{}
}

var _ Analyzer = (*OpenAIAnalyzer)(nil)

// NewOpenAIAnalyzer creates the analyzer. The API key is required.
func NewOpenAIAnalyzer(ctx context.Context, cfg Config, logger *zap.Logger) (*OpenAIAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for escalation analysis")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}

	opts := []openai.Option{openai.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	provider, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI provider: %w", err)
	}

	model, err := provider.LanguageModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model: %w", err)
	}

	return &OpenAIAnalyzer{
		logger:    logger.Named("escalate"),
		model:     model,
		semaphore: make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Analyze sends the pattern and related events to the model and returns the
// structured diagnosis submitted through the agent tool.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, pattern domain.DetectedPattern, relatedEvents []domain.SystemEvent) (*Diagnosis, error) {
	select {
	case a.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-a.semaphore }()

	var diagnosis *Diagnosis
	submitTool := fantasy.NewAgentTool(
		"submit_diagnosis",
		"Submit your diagnosis for this anomaly pattern", func(
			_ context.Context,
			input Diagnosis,
			_ fantasy.ToolCall,
		) (fantasy.ToolResponse, error) {
			diagnosis = &input
			return fantasy.ToolResponse{Content: "Diagnosis received"}, nil
		})

	agent := fantasy.NewAgent(a.model,
		fantasy.WithSystemPrompt(systemPrompt),
		fantasy.WithTools(submitTool),
	)

	a.logger.Debug("Escalating pattern",
		zap.String("pattern_id", pattern.ID),
		zap.String("type", string(pattern.Type)),
		zap.Int("related_events", len(relatedEvents)),
	)

	if _, err := agent.Generate(ctx, fantasy.AgentCall{
		Prompt: formatPrompt(pattern, relatedEvents),
	}); err != nil {
		return nil, fmt.Errorf("agent generation failed: %w", err)
	}

	if diagnosis == nil {
		return nil, fmt.Errorf("model completed without submitting a diagnosis")
	}
	if diagnosis.Confidence < 0 {
		diagnosis.Confidence = 0
	}
	if diagnosis.Confidence > 1 {
		diagnosis.Confidence = 1
	}
	return diagnosis, nil
}
