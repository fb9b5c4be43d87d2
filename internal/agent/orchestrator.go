package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

const observationPreviewLen = 200

// toolDisplay maps built-in tool names to a progress emoji and label.
var toolDisplay = map[string][2]string{
	"web_search": {"\U0001f50d", "Searching"},
	"web_fetch":  {"\U0001f310", "Fetching page"},
	"read_file":  {"\U0001f4d6", "Reading file"},
	"write_file": {"✏️", "Writing file"},
	"edit_file":  {"\U0001f4dd", "Editing file"},
	"list_dir":   {"\U0001f4c2", "Listing dir"},
	"exec":       {"⚡", "Running command"},
	"message":    {"\U0001f4ac", "Sending message"},
	"cron":       {"⏰", "Scheduling"},
	"spawn":      {"\U0001f504", "Spawning subtask"},
	"browser":    {"\U0001f5b1️", "Browsing"},
}

var planRe = regexp.MustCompile(`(?i)\*\*Plan:\*\*\n((?:\d+\.\s*\[[ x]\].*\n?)+)`)

// Hooks lets the dispatcher observe and steer a run. All fields are
// optional.
type Hooks struct {
	// OnProgress receives intermediate thoughts and tool hints for
	// streaming to the user. toolHint marks replaceable status lines.
	OnProgress func(text string, toolHint bool)

	// BeforeModel runs before every model call and may append messages
	// (interrupt injection). It returns the message slice to send.
	BeforeModel func(messages []providers.Message) []providers.Message

	// BeforeTool runs before each tool call in a batch. Returning true
	// cancels this call and the rest of the batch.
	BeforeTool func(messages []providers.Message, index int, calls []providers.ToolCall) bool
}

// OrchestratorConfig carries per-run model settings.
type OrchestratorConfig struct {
	Model                  string
	MaxTokens              int
	Temperature            float64
	MaxIterations          int
	MaxConsecutiveSearches int
	MaxTotalSearches       int
}

// Orchestrator runs bounded reason-act iterations against one provider,
// independent from channel and session concerns.
type Orchestrator struct {
	provider providers.Provider
	gateway  *tools.Gateway
	cfg      OrchestratorConfig
}

// NewOrchestrator builds an orchestrator. Zero config values fall back to
// defaults (40 iterations, dedup thresholds 2/4).
func NewOrchestrator(provider providers.Provider, gateway *tools.Gateway, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 40
	}
	if cfg.MaxConsecutiveSearches < 1 {
		cfg.MaxConsecutiveSearches = defaultMaxConsecutiveSearches
	}
	if cfg.MaxTotalSearches < 1 {
		cfg.MaxTotalSearches = defaultMaxTotalSearches
	}
	return &Orchestrator{provider: provider, gateway: gateway, cfg: cfg}
}

// Gateway returns the tool gateway this orchestrator invokes through.
func (o *Orchestrator) Gateway() *tools.Gateway { return o.gateway }

// Run executes the reason-act loop until the model answers without tool
// calls or the iteration budget runs out. Provider failures count toward
// the budget so a flapping backend cannot spin forever.
func (o *Orchestrator) Run(ctx context.Context, initialMessages []providers.Message, hooks Hooks) AgentResult {
	messages := make([]providers.Message, len(initialMessages))
	copy(messages, initialMessages)

	var (
		iteration    int
		finalContent string
		haveFinal    bool
		toolTrace    []tools.ToolTrace
		reactSteps   []ReactStep
		usage        providers.Usage
		loopNudged   bool
	)
	dedup := NewToolCallDedupLimits(o.cfg.MaxConsecutiveSearches, o.cfg.MaxTotalSearches)

	for iteration < o.cfg.MaxIterations {
		iteration++

		if hooks.BeforeModel != nil {
			messages = hooks.BeforeModel(messages)
		}

		response, err := o.provider.Chat(ctx, providers.ChatRequest{
			Messages:    messages,
			Tools:       o.gateway.Registry().Definitions(),
			Model:       o.cfg.Model,
			MaxTokens:   o.cfg.MaxTokens,
			Temperature: o.cfg.Temperature,
		})
		if err != nil {
			slog.Error("model call failed", "iteration", iteration, "error", err)
			break
		}
		usage.Merge(response.Usage)

		if !response.HasToolCalls() {
			clean := StripThinkTags(response.Content)
			messages = append(messages, providers.Message{
				Role:             "assistant",
				Content:          clean,
				ReasoningContent: response.ReasoningContent,
			})
			finalContent = clean
			haveFinal = true
			reactSteps = append(reactSteps, ReactStep{Iteration: iteration, Thought: clean})
			break
		}

		thought := StripThinkTags(response.Content)
		if hooks.OnProgress != nil {
			if thought != "" {
				if plan := extractPlan(thought); plan != "" {
					hooks.OnProgress("\U0001f4cb "+plan, false)
				} else {
					hooks.OnProgress(thought, false)
				}
			}
			hooks.OnProgress(toolHint(response.ToolCalls, iteration), true)
		}

		messages = append(messages, providers.Message{
			Role:             "assistant",
			Content:          response.Content,
			ToolCalls:        response.ToolCalls,
			ReasoningContent: response.ReasoningContent,
		})

		stepTraces := make([]tools.ToolTrace, 0, len(response.ToolCalls))
		stepObservations := make([]string, 0, len(response.ToolCalls))
		interrupted := false

		for index, call := range response.ToolCalls {
			if hooks.BeforeTool != nil && hooks.BeforeTool(messages, index, response.ToolCalls) {
				for _, cancelled := range response.ToolCalls[index:] {
					messages = append(messages, providers.Message{
						Role:       "tool",
						ToolCallID: cancelled.ID,
						Name:       cancelled.Name,
						Content:    "CANCELLED: User interrupted",
					})
				}
				interrupted = true
				break
			}

			args := call.Arguments
			if args == nil {
				args = map[string]any{}
			}

			var (
				result string
				trace  tools.ToolTrace
			)
			switch {
			// Hard block: once the cap is hit, refuse further searches.
			case call.Name == "web_search" && dedup.SearchCapReached():
				result = fmt.Sprintf(
					"[System] Search limit reached. You have already performed %d searches this turn. "+
						"Use the results you already have to answer the question. "+
						"If you need more detail, use web_fetch on a URL from your existing results.",
					dedup.TotalSearchCount())
				trace = tools.ToolTrace{
					Name:          call.Name,
					Arguments:     args,
					ResultPreview: "[blocked: search cap]",
					OK:            false,
				}
			default:
				if dup := dedup.Check(call.Name, args); dup.IsDuplicate {
					result = dup.CachedResult
					trace = tools.ToolTrace{
						Name:          call.Name,
						Arguments:     args,
						ResultPreview: "[cached: duplicate query]",
						OK:            true,
					}
				} else {
					result, trace = o.gateway.Invoke(ctx, call.Name, args)
					dedup.Store(call.Name, args, result)
				}
			}

			dedup.RecordToolName(call.Name)
			toolTrace = append(toolTrace, trace)
			stepTraces = append(stepTraces, trace)
			stepObservations = append(stepObservations, previewObservation(result))
			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    result,
			})
		}

		reactSteps = append(reactSteps, ReactStep{
			Iteration:    iteration,
			Thought:      thought,
			Actions:      stepTraces,
			Observations: stepObservations,
		})

		// One nudge per turn: if the model keeps searching after being
		// told to stop, the total-search cap takes over.
		if dedup.SearchLoopDetected() && !interrupted && !loopNudged {
			loopNudged = true
			messages = append(messages, providers.Message{
				Role: "user",
				Content: fmt.Sprintf(
					"[System] STOP SEARCHING. You have called web_search %d times consecutively. "+
						"You already have sufficient search results to answer.\n\n%s\n\n"+
						"Synthesize your answer NOW from the results above. "+
						"If you need more detail on a specific page, use web_fetch instead of searching again.",
					dedup.ConsecutiveSearchCount(), dedup.SearchHistorySummary()),
			})
		}
	}

	hitCap := !haveFinal
	if hitCap {
		finalContent = fmt.Sprintf(
			"I reached the maximum number of tool call iterations (%d) without completing the task. "+
				"You can try breaking the task into smaller steps.",
			o.cfg.MaxIterations)
	}

	return AgentResult{
		FinalText:  finalContent,
		ToolTrace:  toolTrace,
		ReactTrace: ReactTrace{Steps: reactSteps, HitIterationCap: hitCap},
		Usage:      usage,
		Diagnostics: map[string]any{
			"iterations":  iteration,
			"tool_calls":  len(toolTrace),
			"react_steps": len(reactSteps),
		},
		Messages: messages,
	}
}

// extractPlan pulls a checklist plan block out of assistant text.
func extractPlan(text string) string {
	if text == "" {
		return ""
	}
	m := planRe.FindString(text)
	return strings.TrimSpace(m)
}

// toolHint renders a one-line progress hint for a tool-call batch, like
// "[Step 3] 🔍 Searching: go 1.25 release notes".
func toolHint(calls []providers.ToolCall, step int) string {
	parts := make([]string, 0, len(calls))
	for _, tc := range calls {
		display, ok := toolDisplay[tc.Name]
		if !ok {
			display = [2]string{"\U0001f527", tc.Name}
		}
		if arg := firstStringArg(tc.Arguments); arg != "" {
			if len(arg) > 60 {
				arg = arg[:60] + "…"
			}
			parts = append(parts, fmt.Sprintf("%s %s: %s", display[0], display[1], arg))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s", display[0], display[1]))
		}
	}
	prefix := ""
	if step > 0 {
		prefix = fmt.Sprintf("[Step %d] ", step)
	}
	return prefix + strings.Join(parts, " | ")
}

// firstStringArg picks a deterministic representative argument for the
// hint: the first string value by sorted key order.
func firstStringArg(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// previewObservation truncates tool output for the ReAct trace.
func previewObservation(result string) string {
	if len(result) > observationPreviewLen {
		return result[:observationPreviewLen]
	}
	return result
}
