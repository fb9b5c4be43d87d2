package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

// countingSearchTool counts executions so dedup behavior is observable.
type countingSearchTool struct {
	calls int
}

func (t *countingSearchTool) Name() string        { return "web_search" }
func (t *countingSearchTool) Description() string { return "test search" }
func (t *countingSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
		"required":   []string{"query"},
	}
}

func (t *countingSearchTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	t.calls++
	q, _ := args["query"].(string)
	return &tools.Result{ForLLM: "Results for: " + q}
}

// scriptedProvider replays canned responses, repeating the last one.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	errs      []error
	idx       int
	requests  [][]providers.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.requests = append(p.requests, req.Messages)
	i := p.idx
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	p.idx++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func searchCall(id, query string) providers.ToolCall {
	return providers.ToolCall{ID: id, Name: "web_search", Arguments: map[string]any{"query": query}}
}

func newTestOrchestrator(p providers.Provider, tool tools.Tool) (*Orchestrator, *tools.Registry) {
	reg := tools.NewRegistry()
	if tool != nil {
		reg.Register(tool)
	}
	gw := tools.NewGateway(reg, false, nil)
	return NewOrchestrator(p, gw, OrchestratorConfig{MaxIterations: 10}), reg
}

func userMessages(content string) []providers.Message {
	return []providers.Message{{Role: "user", Content: content}}
}

func TestRunDuplicateToolCallExecutesOnce(t *testing.T) {
	tool := &countingSearchTool{}
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "Searching...", ToolCalls: []providers.ToolCall{
			searchCall("tc1", "Python"),
			searchCall("tc2", "Python"),
		}},
		{Content: "Here is the answer."},
	}}

	orch, _ := newTestOrchestrator(provider, tool)
	result := orch.Run(context.Background(), userMessages("test"), Hooks{})

	if tool.calls != 1 {
		t.Errorf("tool executed %d times, want 1", tool.calls)
	}
	if !strings.Contains(result.FinalText, "Here is the answer.") {
		t.Errorf("final text = %q", result.FinalText)
	}

	var cached int
	for _, tr := range result.ToolTrace {
		if tr.ResultPreview == "[cached: duplicate query]" {
			cached++
		}
	}
	if cached != 1 {
		t.Errorf("cached traces = %d, want 1", cached)
	}
}

func TestRunDifferentQueriesBothExecute(t *testing.T) {
	tool := &countingSearchTool{}
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "Searching...", ToolCalls: []providers.ToolCall{
			searchCall("tc1", "Python"),
			searchCall("tc2", "distributed consensus"),
		}},
		{Content: "Done."},
	}}

	orch, _ := newTestOrchestrator(provider, tool)
	orch.Run(context.Background(), userMessages("test"), Hooks{})

	if tool.calls != 2 {
		t.Errorf("tool executed %d times, want 2", tool.calls)
	}
}

func TestRunSearchLoopInjectsNudge(t *testing.T) {
	tool := &countingSearchTool{}
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "s1", ToolCalls: []providers.ToolCall{searchCall("t1", "first topic")}},
		{Content: "s2", ToolCalls: []providers.ToolCall{searchCall("t2", "second topic")}},
		{Content: "s3", ToolCalls: []providers.ToolCall{searchCall("t3", "third topic")}},
		{Content: "Final answer."},
	}}

	orch, _ := newTestOrchestrator(provider, tool)
	result := orch.Run(context.Background(), userMessages("test"), Hooks{})

	var nudges int
	for _, m := range result.Messages {
		if m.Role == "user" && strings.Contains(m.Content, "STOP SEARCHING") {
			nudges++
		}
	}
	if nudges != 1 {
		t.Errorf("STOP SEARCHING nudges = %d, want exactly 1 per turn", nudges)
	}
	if !strings.Contains(result.FinalText, "Final answer.") {
		t.Errorf("final text = %q", result.FinalText)
	}
}

func TestRunSearchCapBlocksFurtherSearches(t *testing.T) {
	tool := &countingSearchTool{}
	responses := []*providers.ChatResponse{
		{Content: "", ToolCalls: []providers.ToolCall{
			searchCall("t1", "alpha news"),
			searchCall("t2", "beta news"),
			searchCall("t3", "gamma news"),
			searchCall("t4", "delta news"),
			searchCall("t5", "epsilon news"),
		}},
		{Content: "done"},
	}
	provider := &scriptedProvider{responses: responses}
	orch, _ := newTestOrchestrator(provider, tool)
	result := orch.Run(context.Background(), userMessages("test"), Hooks{})

	if tool.calls != 4 {
		t.Errorf("tool executed %d times, want 4 (cap)", tool.calls)
	}
	var blocked *tools.ToolTrace
	for i := range result.ToolTrace {
		if result.ToolTrace[i].ResultPreview == "[blocked: search cap]" {
			blocked = &result.ToolTrace[i]
		}
	}
	if blocked == nil {
		t.Fatal("expected a blocked trace after the cap")
	}
	if blocked.OK {
		t.Error("blocked trace must not be ok")
	}

	var capMsg bool
	for _, m := range result.Messages {
		if m.Role == "tool" && strings.Contains(m.Content, "[System] Search limit reached") {
			capMsg = true
		}
	}
	if !capMsg {
		t.Error("expected the search limit system result as a tool message")
	}
}

func TestRunIterationCapMessage(t *testing.T) {
	tool := &countingSearchTool{}
	// Provider always asks for another distinct search.
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "", ToolCalls: []providers.ToolCall{searchCall("t", "q one")}},
	}}
	reg := tools.NewRegistry()
	reg.Register(tool)
	gw := tools.NewGateway(reg, false, nil)
	orch := NewOrchestrator(provider, gw, OrchestratorConfig{MaxIterations: 3})

	result := orch.Run(context.Background(), userMessages("test"), Hooks{})
	if !result.ReactTrace.HitIterationCap {
		t.Fatal("expected hit_iteration_cap")
	}
	want := "I reached the maximum number of tool call iterations (3) without completing the task. You can try breaking the task into smaller steps."
	if result.FinalText != want {
		t.Errorf("final text = %q, want %q", result.FinalText, want)
	}
	if result.Diagnostics["iterations"] != 3 {
		t.Errorf("iterations = %v, want 3", result.Diagnostics["iterations"])
	}
}

func TestRunProviderErrorCountsTowardBudget(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.ChatResponse{nil},
		errs:      []error{errors.New("backend down")},
	}
	orch, _ := newTestOrchestrator(provider, nil)
	result := orch.Run(context.Background(), userMessages("test"), Hooks{})

	if !result.ReactTrace.HitIterationCap {
		t.Error("provider failure must fall through to the cap message")
	}
	if !strings.Contains(result.FinalText, "maximum number of tool call iterations") {
		t.Errorf("final text = %q", result.FinalText)
	}
}

func TestRunBeforeToolCancelsBatch(t *testing.T) {
	tool := &countingSearchTool{}
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "", ToolCalls: []providers.ToolCall{
			searchCall("t1", "topic one"),
			searchCall("t2", "topic two"),
		}},
		{Content: "interrupted reply"},
	}}
	orch, _ := newTestOrchestrator(provider, tool)

	hooks := Hooks{
		BeforeTool: func(msgs []providers.Message, index int, calls []providers.ToolCall) bool {
			return true
		},
	}
	result := orch.Run(context.Background(), userMessages("test"), hooks)

	if tool.calls != 0 {
		t.Errorf("tool executed %d times, want 0", tool.calls)
	}
	var cancelled int
	for _, m := range result.Messages {
		if m.Role == "tool" && m.Content == "CANCELLED: User interrupted" {
			cancelled++
		}
	}
	if cancelled != 2 {
		t.Errorf("cancelled tool messages = %d, want 2", cancelled)
	}
}

func TestRunBeforeModelCanInjectMessages(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "ok"},
	}}
	orch, _ := newTestOrchestrator(provider, nil)

	hooks := Hooks{
		BeforeModel: func(msgs []providers.Message) []providers.Message {
			return append(msgs, providers.Message{Role: "system", Content: "<SYS_EVENT>note"})
		},
	}
	result := orch.Run(context.Background(), userMessages("hi"), hooks)

	if len(provider.requests) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(provider.requests))
	}
	last := provider.requests[0][len(provider.requests[0])-1]
	if last.Content != "<SYS_EVENT>note" {
		t.Errorf("injected message not sent to model: %q", last.Content)
	}
	if result.FinalText != "ok" {
		t.Errorf("final = %q", result.FinalText)
	}
}

func TestRunStripsThinkTagsFromFinal(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "<think>pondering</think>The answer is 4."},
	}}
	orch, _ := newTestOrchestrator(provider, nil)
	result := orch.Run(context.Background(), userMessages("2+2?"), Hooks{})

	if result.FinalText != "The answer is 4." {
		t.Errorf("final = %q", result.FinalText)
	}
	if len(result.ReactTrace.Steps) != 1 || result.ReactTrace.Steps[0].Thought != "The answer is 4." {
		t.Errorf("react steps = %+v", result.ReactTrace.Steps)
	}
}

func TestRunProgressEmitsPlanAndHint(t *testing.T) {
	tool := &countingSearchTool{}
	plan := "**Plan:**\n1. [ ] Search the docs\n2. [ ] Summarize findings\n"
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: plan, ToolCalls: []providers.ToolCall{searchCall("t1", "docs")}},
		{Content: "done"},
	}}
	orch, _ := newTestOrchestrator(provider, tool)

	var progress []string
	var hints []string
	hooks := Hooks{OnProgress: func(text string, toolHint bool) {
		if toolHint {
			hints = append(hints, text)
		} else {
			progress = append(progress, text)
		}
	}}
	orch.Run(context.Background(), userMessages("test"), hooks)

	if len(progress) == 0 || !strings.HasPrefix(progress[0], "\U0001f4cb **Plan:**") {
		t.Errorf("plan progress = %q", progress)
	}
	if len(hints) == 0 || !strings.Contains(hints[0], "[Step 1] \U0001f50d Searching: docs") {
		t.Errorf("tool hint = %q", hints)
	}
}

func TestExtractPlan(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"checklist", "**Plan:**\n1. [ ] step one\n2. [x] step two\n", "**Plan:**\n1. [ ] step one\n2. [x] step two"},
		{"embedded", "preamble\n**Plan:**\n1. [ ] alpha\nrest", "**Plan:**\n1. [ ] alpha"},
		{"no plan", "just text", ""},
		{"case insensitive", "**plan:**\n1. [ ] lower\n", "**plan:**\n1. [ ] lower"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPlan(tt.in); got != tt.want {
				t.Errorf("extractPlan(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToolHint(t *testing.T) {
	calls := []providers.ToolCall{
		{ID: "1", Name: "web_search", Arguments: map[string]any{"query": "go 1.25"}},
		{ID: "2", Name: "unknown_tool", Arguments: map[string]any{}},
	}
	got := toolHint(calls, 2)
	if !strings.HasPrefix(got, "[Step 2] ") {
		t.Errorf("hint prefix: %q", got)
	}
	if !strings.Contains(got, "\U0001f50d Searching: go 1.25") {
		t.Errorf("hint search part: %q", got)
	}
	if !strings.Contains(got, " | \U0001f527 unknown_tool") {
		t.Errorf("hint fallback part: %q", got)
	}

	long := strings.Repeat("x", 80)
	h := toolHint([]providers.ToolCall{{Name: "exec", Arguments: map[string]any{"command": long}}}, 0)
	if !strings.Contains(h, strings.Repeat("x", 60)+"…") {
		t.Errorf("long arg not truncated: %q", h)
	}
	if strings.Contains(h, "[Step") {
		t.Errorf("step 0 must not carry a prefix: %q", h)
	}
}
