package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/payload"
	"github.com/phrazzld/taskflow/internal/platform/llm"
	"github.com/phrazzld/taskflow/internal/platform/provider"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Error codes recorded by the built-in executors.
const (
	ErrorCodeProviderSubmit  = "PROVIDER_SUBMIT_FAILED"
	ErrorCodeProviderFailed  = "PROVIDER_FAILED"
	ErrorCodeProviderTimeout = "PROVIDER_TIMEOUT"
	ErrorCodeLLMBlocked      = "LLM_CONTENT_BLOCKED"
	ErrorCodeLLMFailed       = "LLM_FAILED"
	ErrorCodeEmptyPrompt     = "EMPTY_PROMPT"
)

// Progress checkpoints reported by the LLM executor.
const (
	progressStarted   = 5
	progressAnalyzing = 30
	progressSaving    = 90
)

// Submitter is the part of the provider client used by ProviderExecutor.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload json.RawMessage) (string, error)
	Wait(ctx context.Context, providerTaskID string, interval time.Duration, onUpdate func(provider.JobState) error) (provider.JobState, error)
}

// ProviderExecutor runs image, video and voice tasks on the external
// generation provider and reports its progress.
type ProviderExecutor struct {
	client       Submitter
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

var _ Executor = (*ProviderExecutor)(nil)

// NewProviderExecutor creates a ProviderExecutor. A non-positive timeout
// leaves the run bounded only by its context.
func NewProviderExecutor(client Submitter, pollInterval, timeout time.Duration, logger *slog.Logger) *ProviderExecutor {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderExecutor{
		client:       client,
		pollInterval: pollInterval,
		timeout:      timeout,
		logger:       logger.With("component", "provider_executor"),
	}
}

// Execute implements Executor.
func (e *ProviderExecutor) Execute(ctx context.Context, t *domain.Task, report Reporter) (json.RawMessage, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	flow := payload.Flow(t.Payload)

	providerID, err := e.client.Submit(ctx, string(t.Type.Queue()), t.Payload)
	if err != nil {
		return nil, e.wrap(ctx, ErrorCodeProviderSubmit, "Provider rejected the request", err)
	}
	e.logger.Debug("submitted to provider", "task_id", t.ID, "provider_task_id", providerID)

	last, lastStage := -1, ""
	state, err := e.client.Wait(ctx, providerID, e.pollInterval, func(s provider.JobState) error {
		progress := clampProgress(s.Progress)
		if progress == last && s.Stage == lastStage {
			return nil
		}
		last, lastStage = progress, s.Stage
		update := ProgressUpdate{StageInfo: flow}
		update.Stage = s.Stage
		update.Progress = domain.IntPtr(progress)
		return report.Progress(ctx, update)
	})
	if err != nil {
		if errors.Is(err, provider.ErrJobFailed) {
			msg := state.Error
			if msg == "" {
				msg = "Provider reported failure"
			}
			return nil, NewCodedError(ErrorCodeProviderFailed, msg, err)
		}
		return nil, e.wrap(ctx, ErrorCodeProviderFailed, "Provider polling failed", err)
	}

	return providerResult(providerID, state.Result)
}

func (e *ProviderExecutor) wrap(ctx context.Context, code, message string, err error) error {
	if errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewCodedError(ErrorCodeProviderTimeout, fmt.Sprintf("Provider did not finish within %s", e.timeout), err)
	}
	return NewCodedError(code, message, err)
}

// providerResult stamps the provider task id onto an object result.
func providerResult(providerID string, result json.RawMessage) (json.RawMessage, error) {
	if len(result) == 0 || !gjson.ParseBytes(result).IsObject() {
		out, err := sjson.SetBytes([]byte(`{}`), "providerTaskId", providerID)
		if err != nil {
			return nil, err
		}
		if len(result) > 0 {
			out, err = sjson.SetRawBytes(out, "output", result)
		}
		return out, err
	}
	return sjson.SetBytes(result, "providerTaskId", providerID)
}

func clampProgress(p int) int {
	switch {
	case p < progressStarted:
		return progressStarted
	case p > 99:
		return 99
	}
	return p
}

// LLMExecutor runs text analysis tasks on an llm.Analyzer.
type LLMExecutor struct {
	analyzer llm.Analyzer
	logger   *slog.Logger
}

var _ Executor = (*LLMExecutor)(nil)

// NewLLMExecutor creates an LLMExecutor.
func NewLLMExecutor(analyzer llm.Analyzer, logger *slog.Logger) *LLMExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExecutor{analyzer: analyzer, logger: logger.With("component", "llm_executor")}
}

// Execute implements Executor.
func (e *LLMExecutor) Execute(ctx context.Context, t *domain.Task, report Reporter) (json.RawMessage, error) {
	flow := payload.Flow(t.Payload)
	step := func(stage string, progress int) error {
		update := ProgressUpdate{StageInfo: flow}
		update.Stage = stage
		update.StageLabel = stageLabels[stage]
		update.Progress = domain.IntPtr(progress)
		return report.Progress(ctx, update)
	}

	content := payload.Prompt(t.Payload)
	if content == "" {
		return nil, NewCodedError(ErrorCodeEmptyPrompt, "Task payload has no content to analyze", nil)
	}
	if err := step("prepare", progressStarted); err != nil {
		return nil, err
	}

	prompt := content
	if instructions := strings.TrimSpace(payload.Instructions(t.Payload)); instructions != "" {
		prompt = instructions + "\n\n" + content
	}

	if err := step("analyze", progressAnalyzing); err != nil {
		return nil, err
	}
	start := time.Now()
	text, err := e.analyzer.Analyze(ctx, prompt)
	if err != nil {
		if errors.Is(err, llm.ErrContentBlocked) {
			return nil, NewCodedError(ErrorCodeLLMBlocked, "Content was blocked by the model", err)
		}
		return nil, NewCodedError(ErrorCodeLLMFailed, "Analysis failed", err)
	}
	e.logger.Debug("analysis finished",
		"task_id", t.ID,
		"analyzer", e.analyzer.Name(),
		"duration_ms", time.Since(start).Milliseconds())

	if err := step("persist", progressSaving); err != nil {
		return nil, err
	}

	out, err := sjson.SetBytes([]byte(`{}`), "text", text)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "model", e.analyzer.Name())
}

var stageLabels = map[string]string{
	"prepare": "Preparing",
	"analyze": "Analyzing",
	"persist": "Saving result",
}
