// Package providers abstracts the LLM backends behind a single Chat
// interface with two concrete transports: OpenAI-compatible and Anthropic.
package providers

import "context"

// Provider is the interface all LLM backends implement.
type Provider interface {
	// Chat sends messages to the model and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	FinishReason     string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage            *Usage     `json:"usage,omitempty"`
}

// HasToolCalls reports whether the model requested tool executions.
func (r *ChatResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Message represents a conversation message. Content and Parts are mutually
// exclusive; Parts carries multi-part user content (text + data-URL images).
type Message struct {
	Role             string        `json:"role"` // "system", "user", "assistant", "tool"
	Content          string        `json:"content,omitempty"`
	Parts            []ContentPart `json:"parts,omitempty"`
	ToolCalls        []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string        `json:"tool_call_id,omitempty"` // for role="tool" responses
	Name             string        `json:"name,omitempty"`         // tool name on role="tool"
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	Timestamp        string        `json:"timestamp,omitempty"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds a data URL or remote image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Merge accumulates counters from another usage record.
func (u *Usage) Merge(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
