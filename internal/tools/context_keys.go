package tools

import "context"

// Tool routing context keys. The dispatcher injects the originating
// channel/chat/message before each turn so tools can route replies without
// holding mutable per-turn fields, keeping tool instances safe for
// concurrent sessions.

type toolContextKey string

const (
	ctxChannel   toolContextKey = "tool_channel"
	ctxChatID    toolContextKey = "tool_chat_id"
	ctxMessageID toolContextKey = "tool_message_id"
	ctxRunID     toolContextKey = "tool_run_id"
	ctxTurnID    toolContextKey = "tool_turn_id"
)

func WithToolChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ToolChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithToolChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ToolChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithToolMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, ctxMessageID, messageID)
}

func ToolMessageIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxMessageID).(string)
	return v
}

// WithToolCorrelation carries the turn's run/turn ids so tool-published
// outbound messages stay correlated with the inbound that triggered them.
func WithToolCorrelation(ctx context.Context, runID, turnID string) context.Context {
	ctx = context.WithValue(ctx, ctxRunID, runID)
	return context.WithValue(ctx, ctxTurnID, turnID)
}

func ToolRunIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxRunID).(string)
	return v
}

func ToolTurnIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTurnID).(string)
	return v
}
