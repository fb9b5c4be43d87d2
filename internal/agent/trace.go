package agent

import (
	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/tools"
)

// ReactStep captures one reason-act iteration: the model's thought, the
// tool calls it issued, and truncated observations of their results.
type ReactStep struct {
	Iteration    int               `json:"iteration"`
	Thought      string            `json:"thought,omitempty"`
	Actions      []tools.ToolTrace `json:"actions,omitempty"`
	Observations []string          `json:"observations,omitempty"`
}

// ReactTrace is the full reason-act record for a turn.
type ReactTrace struct {
	Steps           []ReactStep `json:"steps"`
	HitIterationCap bool        `json:"hit_iteration_cap"`
}

// AgentResult is the normalized outcome of one orchestrator run.
type AgentResult struct {
	FinalText   string              `json:"final_text"`
	ToolTrace   []tools.ToolTrace   `json:"tool_trace,omitempty"`
	ReactTrace  ReactTrace          `json:"react_trace"`
	Usage       providers.Usage     `json:"usage"`
	Diagnostics map[string]any      `json:"diagnostics,omitempty"`
	Messages    []providers.Message `json:"messages,omitempty"`
}
