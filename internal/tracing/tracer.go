package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "guidance-agent"

type Kind string

const (
	KindGeneration Kind = "generation"
	KindTool       Kind = "tool"
)

type Phase string

const (
	PhaseStart Phase = "start"
	PhaseEnd   Phase = "end"
	PhaseError Phase = "error"
)

// Event is one structured trace record.
type Event struct {
	Kind             Kind
	Phase            Phase
	Name             string // model or tool name
	Trace            Context
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	CostUSD          float64
	HasCost          bool
	Error            string
	At               time.Time
}

// EventSink receives trace events. Implementations must not block for long.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"kind", string(e.Kind),
		"phase", string(e.Phase),
		"name", e.Name,
		"correlation_id", e.Trace.CorrelationID,
		"grouping_id", e.Trace.GroupingID,
		"channel", string(e.Trace.Channel),
	}
	if e.Trace.UserID != "" {
		attrs = append(attrs, "user_id", e.Trace.UserID)
	}
	if e.Phase != PhaseStart {
		attrs = append(attrs, "latency_ms", e.Latency.Milliseconds())
	}
	if e.PromptTokens > 0 || e.CompletionTokens > 0 {
		attrs = append(attrs, "prompt_tokens", e.PromptTokens, "completion_tokens", e.CompletionTokens)
	}
	if e.HasCost {
		attrs = append(attrs, "cost_usd", e.CostUSD)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
		logger.WarnContext(ctx, "trace event", attrs...)
		return
	}
	logger.InfoContext(ctx, "trace event", attrs...)
}

// Tracer starts spans for model and tool invocations.
type Tracer struct {
	tracer trace.Tracer
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Tracer)

func WithSink(sink EventSink) Option {
	return func(t *Tracer) { t.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) { t.logger = logger }
}

// New returns a Tracer on tp. A nil provider yields spans that record
// nothing, while sink events are still emitted.
func New(tp trace.TracerProvider, opts ...Option) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	t := &Tracer{
		tracer: tp.Tracer(instrumentationName),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.sink == nil {
		t.sink = LogSink{Logger: t.logger}
	}
	return t
}

// Span is one traced invocation. End or Fail must be called exactly once;
// later calls are ignored.
type Span struct {
	t     *Tracer
	ctx   context.Context
	span  trace.Span
	kind  Kind
	name  string
	tc    Context
	start time.Time
	done  bool
}

// StartGeneration opens a span around one model call.
func (t *Tracer) StartGeneration(ctx context.Context, model string) (context.Context, *Span) {
	return t.start(ctx, KindGeneration, model)
}

// StartTool opens a span around one tool execution.
func (t *Tracer) StartTool(ctx context.Context, tool string) (context.Context, *Span) {
	return t.start(ctx, KindTool, tool)
}

func (t *Tracer) start(ctx context.Context, kind Kind, name string) (context.Context, *Span) {
	if t == nil {
		return ctx, nil
	}
	tc, _ := FromContext(ctx)
	ctx, span := t.tracer.Start(ctx, string(kind)+" "+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("correlation.id", tc.CorrelationID),
			attribute.String("conversation.grouping_id", tc.GroupingID),
			attribute.String("channel", string(tc.Channel)),
			attribute.String(string(kind)+".name", name),
		),
	)
	s := &Span{t: t, ctx: ctx, span: span, kind: kind, name: name, tc: tc, start: t.now()}
	t.emit(ctx, Event{Kind: kind, Phase: PhaseStart, Name: name, Trace: tc, At: s.start})
	return ctx, s
}

// Usage is what a finished invocation reports.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// End closes the span successfully.
func (s *Span) End(u Usage) {
	if s == nil || s.done {
		return
	}
	s.done = true
	now := s.t.now()
	e := Event{
		Kind:             s.kind,
		Phase:            PhaseEnd,
		Name:             s.name,
		Trace:            s.tc,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Latency:          now.Sub(s.start),
		At:               now,
	}
	attrs := []attribute.KeyValue{attribute.Int64("latency_ms", e.Latency.Milliseconds())}
	if s.kind == KindGeneration {
		model := u.Model
		if model == "" {
			model = s.name
		}
		attrs = append(attrs,
			attribute.String("llm.model", model),
			attribute.Int("llm.prompt_tokens", u.PromptTokens),
			attribute.Int("llm.completion_tokens", u.CompletionTokens),
		)
		if cost, ok := EstimateCost(model, u.PromptTokens, u.CompletionTokens); ok {
			e.CostUSD, e.HasCost = cost, true
			attrs = append(attrs, attribute.Float64("llm.cost_usd", cost))
		}
	}
	s.span.SetAttributes(attrs...)
	s.span.SetStatus(codes.Ok, "")
	s.span.End()
	s.t.emit(s.ctx, e)
}

// Fail closes the span with err.
func (s *Span) Fail(err error) {
	if s == nil || s.done {
		return
	}
	s.done = true
	now := s.t.now()
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
		s.span.RecordError(err)
	}
	latency := now.Sub(s.start)
	s.span.SetAttributes(attribute.Int64("latency_ms", latency.Milliseconds()))
	s.span.SetStatus(codes.Error, msg)
	s.span.End()
	s.t.emit(s.ctx, Event{
		Kind:    s.kind,
		Phase:   PhaseError,
		Name:    s.name,
		Trace:   s.tc,
		Latency: latency,
		Error:   msg,
		At:      now,
	})
}

// emit hands e to the sink. A panicking sink is logged and otherwise
// ignored.
func (t *Tracer) emit(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(ctx, "trace sink panicked", "panic", r)
		}
	}()
	t.sink.Emit(ctx, e)
}
