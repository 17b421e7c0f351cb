package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/phrazzld/taskflow/internal/config"
)

// Backend names accepted in configuration.
const (
	BackendGemini    = "gemini"
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendNone      = "none"
)

// Error definitions for the llm package.
var (
	// ErrInvalidConfig is returned when a backend cannot be constructed.
	ErrInvalidConfig = errors.New("invalid llm configuration")

	// ErrEmptyPrompt is returned when there is nothing to analyze.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrInvalidResponse is returned when the model response has no usable text.
	ErrInvalidResponse = errors.New("invalid llm response")

	// ErrContentBlocked is returned when the model refuses the prompt.
	ErrContentBlocked = errors.New("content blocked by llm safety filters")

	// ErrDisabled is returned by the analyzer used when no backend is configured.
	ErrDisabled = errors.New("llm analysis is disabled")
)

// Analyzer produces text from a prompt.
type Analyzer interface {
	// Analyze sends prompt to the model and returns its text output.
	Analyze(ctx context.Context, prompt string) (string, error)

	// Name identifies the backend and model in logs and results.
	Name() string
}

// New creates the analyzer selected by cfg.Backend.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (Analyzer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	var (
		a   Analyzer
		err error
	)
	switch cfg.Backend {
	case BackendGemini:
		a, err = NewGeminiAnalyzer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case BackendAnthropic:
		a, err = NewAnthropicAnalyzer(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens)
	case BackendOpenAI:
		a, err = NewOpenAIAnalyzer(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.MaxTokens)
	case BackendNone, "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewRetrying(a, DefaultRetryPolicy(), logger), nil
}

// Disabled is the analyzer used when no backend is configured.
type Disabled struct{}

// Analyze implements Analyzer.
func (Disabled) Analyze(context.Context, string) (string, error) { return "", ErrDisabled }

// Name implements Analyzer.
func (Disabled) Name() string { return BackendNone }

// RetryPolicy controls retries of transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used by New.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrContentBlocked) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrEmptyPrompt) ||
		errors.Is(err, ErrDisabled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Retrying wraps an Analyzer with exponential backoff and jitter.
type Retrying struct {
	next   Analyzer
	policy RetryPolicy
	logger *slog.Logger
	rng    *rand.Rand
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next with policy.
func NewRetrying(next Analyzer, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &Retrying{
		next:   next,
		policy: policy,
		logger: logger.With("component", "llm_analyzer", "backend", next.Name()),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
}

// Name implements Analyzer.
func (r *Retrying) Name() string { return r.next.Name() }

// Analyze implements Analyzer.
func (r *Retrying) Analyze(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		r.logger.InfoContext(ctx, "making llm call",
			"attempt", attempt+1,
			"max_attempts", r.policy.MaxRetries+1)

		text, err := r.next.Analyze(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if IsPermanent(err) {
			r.logger.WarnContext(ctx, "permanent llm error, not retrying", "error", err)
			return "", err
		}
		if attempt == r.policy.MaxRetries {
			break
		}

		delay := r.backoff(attempt)
		r.logger.WarnContext(ctx, "transient llm error, retrying",
			"error", err,
			"attempt", attempt+1,
			"delay", delay)
		if err := r.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("llm call failed after %d attempts: %w", r.policy.MaxRetries+1, lastErr)
}

func (r *Retrying) backoff(attempt int) time.Duration {
	d := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt))
	d += r.rng.Float64() * float64(r.policy.BaseDelay)
	return min(time.Duration(d), r.policy.MaxDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
