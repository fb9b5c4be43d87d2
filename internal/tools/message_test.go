package tools

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
)

func messageCtx(channel, chatID string) context.Context {
	ctx := WithToolChannel(context.Background(), channel)
	return WithToolChatID(ctx, chatID)
}

func takeOutbound(t *testing.T, b *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected an outbound message")
	}
	return msg
}

func TestMessageToolDelivers(t *testing.T) {
	b := bus.New(nil)
	tool := NewMessageTool(b)
	tool.StartTurn()

	res := tool.Execute(messageCtx("telegram", "42"), map[string]interface{}{"content": "on it"})
	if res.IsError {
		t.Fatalf("Execute: %v", res.ForLLM)
	}
	if !tool.SentInTurn() {
		t.Error("SentInTurn should be true after delivery")
	}

	msg := takeOutbound(t, b)
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "on it" {
		t.Errorf("outbound = %+v", msg)
	}
}

func TestMessageToolCarriesCorrelation(t *testing.T) {
	b := bus.New(nil)
	tool := NewMessageTool(b)
	tool.StartTurn()

	ctx := WithToolCorrelation(messageCtx("telegram", "42"), "run-7", "turn-9")
	if res := tool.Execute(ctx, map[string]interface{}{"content": "update"}); res.IsError {
		t.Fatalf("Execute: %v", res.ForLLM)
	}

	msg := takeOutbound(t, b)
	if msg.RunID != "run-7" || msg.TurnID != "turn-9" {
		t.Errorf("correlation = (%q, %q), want (run-7, turn-9)", msg.RunID, msg.TurnID)
	}
}

func TestMessageToolDuplicateSuppressedPerTurn(t *testing.T) {
	b := bus.New(nil)
	tool := NewMessageTool(b)
	tool.StartTurn()

	ctx := messageCtx("cli", "u1")
	args := map[string]interface{}{"content": "same text"}
	tool.Execute(ctx, args)
	tool.Execute(ctx, args)

	takeOutbound(t, b)
	if b.OutboundSize() != 0 {
		t.Error("duplicate content must not publish twice in one turn")
	}

	// A new turn resets the dedup.
	tool.StartTurn()
	if tool.SentInTurn() {
		t.Error("StartTurn must clear sent state")
	}
	tool.Execute(ctx, args)
	if b.OutboundSize() != 1 {
		t.Error("same content should deliver again after StartTurn")
	}
}

func TestMessageToolRequiresRouteAndContent(t *testing.T) {
	b := bus.New(nil)
	tool := NewMessageTool(b)
	tool.StartTurn()

	if res := tool.Execute(messageCtx("cli", "u1"), map[string]interface{}{}); !res.IsError {
		t.Error("empty content should error")
	}
	if res := tool.Execute(context.Background(), map[string]interface{}{"content": "x"}); !res.IsError {
		t.Error("missing route should error")
	}
	if b.OutboundSize() != 0 {
		t.Error("nothing should publish on validation errors")
	}
}
