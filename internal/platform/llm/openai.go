package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAnalyzer calls the OpenAI chat completions API.
type OpenAIAnalyzer struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// NewOpenAIAnalyzer creates an OpenAI-backed analyzer.
func NewOpenAIAnalyzer(apiKey, model string, maxTokens int) (*OpenAIAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai API key cannot be empty", ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: openai model cannot be empty", ErrInvalidConfig)
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIAnalyzer{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: int64(maxTokens),
	}, nil
}

// Name implements Analyzer.
func (o *OpenAIAnalyzer) Name() string { return BackendOpenAI + ":" + o.model }

// Analyze implements Analyzer.
func (o *OpenAIAnalyzer) Analyze(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrInvalidResponse)
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", ErrContentBlocked
	}
	if choice.Message.Content == "" {
		return "", fmt.Errorf("%w: empty message content", ErrInvalidResponse)
	}
	return choice.Message.Content, nil
}
