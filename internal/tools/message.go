package tools

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
)

// MessageTool lets the model push a message to the user mid-turn instead of
// waiting for the final reply. The dispatcher resets it at turn start and
// suppresses the final outbound publish when the tool already delivered.
type MessageTool struct {
	router bus.MessageRouter

	mu   sync.Mutex
	sent map[string]bool
}

func NewMessageTool(router bus.MessageRouter) *MessageTool {
	return &MessageTool{router: router, sent: make(map[string]bool)}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the user right away. Use for progress updates or when the reply is ready before the turn ends."
}
func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text to deliver",
			},
		},
		"required": []string{"content"},
	}
}

// StartTurn clears the per-turn dedup state. Called by the dispatcher
// before each orchestrator run.
func (t *MessageTool) StartTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = make(map[string]bool)
}

// SentInTurn reports whether any message was delivered since StartTurn.
func (t *MessageTool) SentInTurn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent) > 0
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}

	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	if channel == "" || chatID == "" {
		return ErrorResult("no delivery route for message (missing channel or chat id)")
	}

	t.mu.Lock()
	if t.sent[content] {
		t.mu.Unlock()
		return SilentResult("(duplicate message suppressed)")
	}
	t.sent[content] = true
	t.mu.Unlock()

	t.router.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
		RunID:   ToolRunIDFromCtx(ctx),
		TurnID:  ToolTurnIDFromCtx(ctx),
	})

	return SilentResult("Message sent to user.")
}
