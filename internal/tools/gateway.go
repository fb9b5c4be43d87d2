package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/diag"
	"github.com/nextlevelbuilder/kestrel/internal/trust"
)

const tracePreviewLen = 200

// ToolTrace records one tool invocation for the turn's ReAct trace.
type ToolTrace struct {
	Name          string                 `json:"name"`
	Arguments     map[string]interface{} `json:"arguments,omitempty"`
	ResultPreview string                 `json:"result_preview"`
	OK            bool                   `json:"ok"`
}

// Gateway is the single entry point for tool execution. It resolves the
// tool, recovers panics into error strings, and tags results with trust
// boundaries before they reach the model.
type Gateway struct {
	registry    *Registry
	wrapResults bool
	emit        diag.Emitter
}

// NewGateway creates a gateway over the registry. wrapResults enables
// untrusted-content boundary markers on returned results. emit may be nil.
func NewGateway(registry *Registry, wrapResults bool, emit diag.Emitter) *Gateway {
	return &Gateway{registry: registry, wrapResults: wrapResults, emit: emit}
}

// Registry exposes the underlying registry for definition lookups.
func (g *Gateway) Registry() *Registry { return g.registry }

// Invoke executes the named tool and returns the result string for the
// model plus a trace entry. The trace preview always reflects the raw
// result, never the trust-wrapped form.
func (g *Gateway) Invoke(ctx context.Context, name string, args map[string]interface{}) (string, ToolTrace) {
	tool := g.registry.Get(name)
	if tool == nil {
		result := fmt.Sprintf("Error: tool not found: %s", name)
		trace := g.trace(name, args, result)
		g.emitInvocation(ctx, name, trace.OK, 0)
		return result, trace
	}

	started := time.Now()
	result := g.execute(ctx, tool, args)
	trace := g.trace(name, args, result)
	g.emitInvocation(ctx, name, trace.OK, time.Since(started))

	if g.wrapResults {
		return trust.WrapToolResult(result, name), trace
	}
	return result, trace
}

// execute runs the tool, converting panics into error results so a broken
// tool never takes down the turn.
func (g *Gateway) execute(ctx context.Context, tool Tool, args map[string]interface{}) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", tool.Name(), "panic", r)
			result = fmt.Sprintf("Error: tool %s panicked: %v", tool.Name(), r)
		}
	}()

	res := tool.Execute(ctx, args)
	if res == nil {
		return fmt.Sprintf("Error: tool %s returned no result", tool.Name())
	}
	return res.ForLLM
}

func (g *Gateway) trace(name string, args map[string]interface{}, result string) ToolTrace {
	preview := result
	if len(preview) > tracePreviewLen {
		preview = preview[:tracePreviewLen] + "..."
	}
	return ToolTrace{
		Name:          name,
		Arguments:     args,
		ResultPreview: preview,
		OK:            !strings.HasPrefix(result, "Error"),
	}
}

func (g *Gateway) emitInvocation(ctx context.Context, name string, ok bool, elapsed time.Duration) {
	if g.emit == nil {
		return
	}
	defer func() { _ = recover() }()

	ev := diag.NewEvent("tool.invoked", "tools")
	ev.Channel = ToolChannelFromCtx(ctx)
	ev.ChatID = ToolChatIDFromCtx(ctx)
	ev.Operation = name
	ev.Status = "ok"
	if !ok {
		ev.Status = "error"
		ev.Severity = "warn"
	}
	ev.LatencyMS = float64(elapsed.Milliseconds())
	g.emit(ev)
}
