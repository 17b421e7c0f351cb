package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAnalyzer calls the Anthropic Messages API.
type AnthropicAnalyzer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicAnalyzer creates an Anthropic-backed analyzer.
func NewAnthropicAnalyzer(apiKey, model string, maxTokens int) (*AnthropicAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic API key cannot be empty", ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: anthropic model cannot be empty", ErrInvalidConfig)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicAnalyzer{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

// Name implements Analyzer.
func (a *AnthropicAnalyzer) Name() string { return BackendAnthropic + ":" + a.model }

// Analyze implements Analyzer.
func (a *AnthropicAnalyzer) Analyze(ctx context.Context, prompt string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", fmt.Errorf("%w: nil response", ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: response has no text (stop reason %s)", ErrInvalidResponse, msg.StopReason)
	}
	return sb.String(), nil
}
