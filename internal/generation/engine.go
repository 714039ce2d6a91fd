// Package generation runs the bounded ask, tool, re-ask loop around the
// language model.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"guidance-agent/internal/config"
	"guidance-agent/internal/domain"
	"guidance-agent/internal/prompt"
	"guidance-agent/internal/tools"
	"guidance-agent/internal/tracing"
)

const (
	// DefaultMaxToolRounds bounds TOOL_REQUESTED transitions per request.
	DefaultMaxToolRounds = 3

	toolUnavailable = "tool unavailable"

	retryInitialInterval = 300 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxElapsedTime  = 5 * time.Second
	// maxModelRetries is the number of retries after the first failed call.
	maxModelRetries = 1
)

// ErrGenerationFailed is returned, alongside a fallback reply, when the model
// could not produce an answer.
var ErrGenerationFailed = errors.New("generation: model unavailable")

type Model interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResponse, error)
}

type ToolExecutor interface {
	Execute(ctx context.Context, caller tools.Caller, call domain.ToolCall) (string, error)
}

// Request is one generation.
type Request struct {
	Spec         prompt.Spec
	Conversation []domain.ChatMessage // history plus the inbound message
	Channel      domain.Channel
	Caller       tools.Caller
}

// Result is the final answer. Text is always set, to the fallback reply
// when generation failed.
type Result struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	ToolRounds       int
	ModelCalls       int
	Fallback         bool
	Latency          time.Duration
}

func (r Result) TokensUsed() int { return r.PromptTokens + r.CompletionTokens }

type state int

const (
	stateComposePrompt state = iota
	stateCallModel
	stateToolRequested
	stateExecuteTool
	stateFinalAnswer
)

func (s state) String() string {
	switch s {
	case stateComposePrompt:
		return "COMPOSE_PROMPT"
	case stateCallModel:
		return "CALL_MODEL"
	case stateToolRequested:
		return "TOOL_REQUESTED"
	case stateExecuteTool:
		return "EXECUTE_TOOL"
	case stateFinalAnswer:
		return "FINAL_ANSWER"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Engine struct {
	model         Model
	tools         ToolExecutor
	tracer        *tracing.Tracer
	cfg           *config.Config
	logger        *slog.Logger
	maxToolRounds int
	newBackOff    func(ctx context.Context) backoff.BackOff
	now           func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithTracer(t *tracing.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func NewEngine(model Model, executor ToolExecutor, cfg *config.Config, opts ...Option) (*Engine, error) {
	if model == nil {
		return nil, errors.New("generation: model must not be nil")
	}
	if cfg == nil {
		return nil, errors.New("generation: config must not be nil")
	}
	e := &Engine{
		model:         model,
		tools:         executor,
		cfg:           cfg,
		logger:        slog.Default(),
		maxToolRounds: cfg.Model.MaxToolRounds,
		newBackOff:    newRetryBackOff,
		now:           time.Now,
	}
	if e.maxToolRounds <= 0 {
		e.maxToolRounds = DefaultMaxToolRounds
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func newRetryBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, maxModelRetries), ctx)
}

// Generate runs the loop to a final answer. The loop performs at most
// maxToolRounds tool rounds; once the bound is reached the model is called
// one last time without tools. On model failure the returned Result carries
// the fallback reply and the error wraps ErrGenerationFailed.
func (e *Engine) Generate(ctx context.Context, req Request) (Result, error) {
	start := e.now()
	temperature, maxTokens := e.cfg.Sampling(req.Channel)

	var (
		res          Result
		conversation = append([]domain.ChatMessage(nil), req.Conversation...)
		messages     []domain.ChatMessage
		last         domain.CompletionResponse
		st           = stateComposePrompt
	)
	for {
		switch st {
		case stateComposePrompt:
			// System instructions lead every call, so a crisis directive
			// still governs after tool results are appended.
			messages = make([]domain.ChatMessage, 0, len(req.Spec.SystemInstructions)+len(conversation))
			for _, instr := range req.Spec.SystemInstructions {
				messages = append(messages, domain.ChatMessage{Role: "system", Content: instr})
			}
			messages = append(messages, conversation...)
			st = stateCallModel

		case stateCallModel:
			forced := res.ToolRounds >= e.maxToolRounds
			completion := domain.CompletionRequest{
				Model:       e.cfg.Model.Name,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			}
			if !forced && !req.Spec.Crisis && e.tools != nil {
				completion.Tools = req.Spec.Tools
			}
			resp, err := e.callModel(ctx, completion)
			res.ModelCalls++
			if err != nil {
				e.logger.ErrorContext(ctx, "model call failed", "err", err, "tool_rounds", res.ToolRounds)
				return e.fallback(req, res, start), fmt.Errorf("%w: %w", ErrGenerationFailed, err)
			}
			last = resp
			res.Model = resp.Model
			res.PromptTokens += resp.PromptTokens
			res.CompletionTokens += resp.CompletionTokens
			if len(resp.ToolCalls) > 0 && len(completion.Tools) > 0 {
				st = stateToolRequested
			} else {
				st = stateFinalAnswer
			}

		case stateToolRequested:
			res.ToolRounds++
			conversation = append(conversation, domain.ChatMessage{
				Role:      "assistant",
				Content:   last.Content,
				ToolCalls: last.ToolCalls,
			})
			st = stateExecuteTool

		case stateExecuteTool:
			for _, call := range last.ToolCalls {
				conversation = append(conversation, domain.ChatMessage{
					Role:       "tool",
					ToolCallID: call.ID,
					Content:    e.runTool(ctx, req.Caller, call),
				})
			}
			st = stateComposePrompt

		case stateFinalAnswer:
			text := strings.TrimSpace(last.Content)
			if text == "" {
				e.logger.WarnContext(ctx, "model returned empty answer", "tool_rounds", res.ToolRounds)
				return e.fallback(req, res, start), fmt.Errorf("%w: empty answer", ErrGenerationFailed)
			}
			res.Text = text
			res.Latency = e.now().Sub(start)
			return res, nil

		default:
			return e.fallback(req, res, start), fmt.Errorf("%w: invalid state %s", ErrGenerationFailed, st)
		}
	}
}

// callModel makes one model call, retrying once with backoff on a
// retryable failure. Every attempt is traced.
func (e *Engine) callModel(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResponse, error) {
	var resp domain.CompletionResponse
	op := func() error {
		spanCtx, span := e.tracer.StartGeneration(ctx, req.Model)
		out, err := e.model.Complete(spanCtx, req)
		if err != nil {
			span.Fail(err)
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		span.End(tracing.Usage{Model: out.Model, PromptTokens: out.PromptTokens, CompletionTokens: out.CompletionTokens})
		resp = out
		return nil
	}
	if err := backoff.Retry(op, e.newBackOff(ctx)); err != nil {
		return domain.CompletionResponse{}, err
	}
	return resp, nil
}

// retryable treats errors that classify themselves as authoritative and
// everything else, timeouts included, as transient.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

func (e *Engine) runTool(ctx context.Context, caller tools.Caller, call domain.ToolCall) string {
	spanCtx, span := e.tracer.StartTool(ctx, call.Name)
	out, err := e.executeTool(spanCtx, caller, call)
	if err != nil {
		span.Fail(err)
		e.logger.WarnContext(ctx, "tool call failed", "tool", call.Name, "err", err)
		return toolUnavailable
	}
	span.End(tracing.Usage{})
	return out
}

func (e *Engine) executeTool(ctx context.Context, caller tools.Caller, call domain.ToolCall) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generation: tool %s panicked: %v", call.Name, r)
		}
	}()
	return e.tools.Execute(ctx, caller, call)
}

func (e *Engine) fallback(req Request, res Result, start time.Time) Result {
	res.Fallback = true
	res.Text = e.cfg.Notices.Fallback
	if req.Spec.Crisis && e.cfg.Crisis.Response != "" {
		res.Text = e.cfg.Crisis.Response
	}
	if res.Model == "" {
		res.Model = e.cfg.Model.Name
	}
	res.Latency = e.now().Sub(start)
	return res
}
