package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/kestrel/internal/diag"
	"github.com/nextlevelbuilder/kestrel/internal/providers"
)

// WrapProvider instruments Chat calls with client spans carrying the
// model, token usage, and failure status.
func WrapProvider(p providers.Provider) providers.Provider {
	return &tracedProvider{inner: p}
}

type tracedProvider struct {
	inner providers.Provider
}

func (t *tracedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = t.inner.DefaultModel()
	}
	ctx, span := tracer().Start(ctx, "llm.chat",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", t.inner.Name()),
			attribute.String("llm.model", model),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Int("llm.tools", len(req.Tools)),
		))
	defer span.End()

	resp, err := t.inner.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("llm.finish_reason", resp.FinishReason),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("llm.tokens.completion", resp.Usage.CompletionTokens),
		)
	}
	return resp, nil
}

func (t *tracedProvider) DefaultModel() string { return t.inner.DefaultModel() }

func (t *tracedProvider) Name() string { return t.inner.Name() }

// Emitter mirrors terminal diagnostic events as spans, so turn and tool
// timings reach the collector without threading a tracer through the
// dispatch path. Spans are backdated by the recorded latency; events
// without a duration (turn.started, health probes) are skipped.
func Emitter() diag.Emitter {
	return func(ev diag.Event) {
		switch ev.Name {
		case "turn.completed", "turn.failed", "turn.cancelled":
			spanFromEvent(ev, "agent.turn", trace.SpanKindServer)
		case "tool.invoked":
			spanFromEvent(ev, "tool."+ev.Operation, trace.SpanKindInternal)
		}
	}
}

func spanFromEvent(ev diag.Event, name string, kind trace.SpanKind) {
	end, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
	if err != nil {
		end = time.Now().UTC()
	}
	start := end.Add(-eventLatency(ev))

	attrs := []attribute.KeyValue{attribute.String("event", ev.Name)}
	if ev.SessionKey != "" {
		attrs = append(attrs, attribute.String("session_key", ev.SessionKey))
	}
	if ev.Channel != "" {
		attrs = append(attrs, attribute.String("channel", ev.Channel))
	}
	if ev.RunID != "" {
		attrs = append(attrs, attribute.String("run_id", ev.RunID))
	}
	if ev.TurnID != "" {
		attrs = append(attrs, attribute.String("turn_id", ev.TurnID))
	}
	if ev.Operation != "" {
		attrs = append(attrs, attribute.String("operation", ev.Operation))
	}

	_, span := tracer().Start(context.Background(), name,
		trace.WithSpanKind(kind),
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
	)
	if ev.Status == "error" || ev.Severity == "error" || ev.ErrorMessage != "" {
		span.SetStatus(codes.Error, ev.ErrorMessage)
	}
	span.End(trace.WithTimestamp(end))
}

// eventLatency reads the duration from the typed field when set, falling
// back to the latency_ms attribute turn events carry.
func eventLatency(ev diag.Event) time.Duration {
	ms := ev.LatencyMS
	if ms == 0 && ev.Attrs != nil {
		switch v := ev.Attrs["latency_ms"].(type) {
		case int64:
			ms = float64(v)
		case int:
			ms = float64(v)
		case float64:
			ms = v
		}
	}
	return time.Duration(ms * float64(time.Millisecond))
}
