package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/assembler"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/llm"
	"github.com/google/uuid"
)

const (
	DefaultMaxRetries  = 2
	DefaultMaxTokens   = 2000
	DefaultTemperature = 0.2
)

// Config holds generation settings
type Config struct {
	// MaxRetries is the number of re-invocations after the first attempt
	MaxRetries  int
	MaxTokens   int
	Temperature float64
}

// Attempt records one provider invocation
type Attempt struct {
	Number int
	Issues []string
}

// Outcome is a successful generation together with its attempt history
type Outcome struct {
	Result   *domain.RecommendationResult
	Attempts []Attempt
	Feedback []string
}

// ValidationError is returned once every attempt has been rejected
type ValidationError struct {
	Issues   []string
	Attempts []Attempt
	Feedback []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recommendation failed validation after %d attempts: %s",
		len(e.Attempts), strings.Join(e.Issues, "; "))
}

// Generator runs the bounded generate-validate-retry loop around a provider
type Generator struct {
	provider llm.Provider
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Generator
func New(provider llm.Provider, cfg Config, logger *slog.Logger) *Generator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Generate produces a validated recommendation. Attempts run sequentially;
// each retry carries the accumulated feedback from every rejected attempt.
// Provider failures are returned as-is; exhausting the retry bound returns
// a *ValidationError.
func (g *Generator) Generate(ctx context.Context, input *domain.Input, ac *assembler.AssembledContext) (*Outcome, error) {
	var (
		attempts []Attempt
		feedback []string
	)

	maxAttempts := g.cfg.MaxRetries + 1
	for n := 1; n <= maxAttempts; n++ {
		completion, err := g.provider.Complete(ctx, llm.CompletionRequest{
			System:      systemPrompt,
			Messages:    []llm.Message{{Role: "user", Content: buildUserMessage(input, ac, feedback)}},
			Temperature: g.cfg.Temperature,
			MaxTokens:   g.cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("generation attempt %d: %w", n, err)
		}

		rec, issues := parseRecommendation(completion.Content, ac)
		attempts = append(attempts, Attempt{Number: n, Issues: issues})

		if len(issues) == 0 {
			g.logger.Info("Recommendation generated",
				slog.String("input_id", input.ID),
				slog.Int("attempts", n),
				slog.String("model", completion.Model),
			)
			return &Outcome{
				Result: &domain.RecommendationResult{
					RecommendationID: uuid.NewString(),
					ModelUsed:        completion.Model,
					GeneratedAt:      domain.StoreTime(g.now()),
					Recommendation:   *rec,
				},
				Attempts: attempts,
				Feedback: feedback,
			}, nil
		}

		g.logger.Warn("Recommendation rejected by validation",
			slog.String("input_id", input.ID),
			slog.Int("attempt", n),
			slog.Int("max_attempts", maxAttempts),
			slog.Any("issues", issues),
		)
		feedback = append(feedback, fmt.Sprintf("Attempt %d: %s", n, strings.Join(issues, "; ")))
	}

	return nil, &ValidationError{
		Issues:   attempts[len(attempts)-1].Issues,
		Attempts: attempts,
		Feedback: feedback,
	}
}

// parseRecommendation extracts and validates the provider output. Parse
// failures are reported as issues so the loop can ask for a corrected reply.
func parseRecommendation(content string, ac *assembler.AssembledContext) (*domain.Recommendation, []string) {
	raw, err := extractJSONObject(content)
	if err != nil {
		return nil, []string{"response must contain a single JSON object matching the schema"}
	}

	var rec domain.Recommendation
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, []string{fmt.Sprintf("response JSON does not match the schema: %v", err)}
	}

	if issues := Validate(&rec, ac); len(issues) > 0 {
		return nil, issues
	}
	return &rec, nil
}
