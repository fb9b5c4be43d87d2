package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/diag"
)

func TestInboundFIFO(t *testing.T) {
	b := New(nil)
	b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "1", Content: "first"})
	b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "1", Content: "second"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got1, ok := b.ConsumeInbound(ctx)
	if !ok || got1.Content != "first" {
		t.Fatalf("first consume = (%q, %v), want (first, true)", got1.Content, ok)
	}
	got2, ok := b.ConsumeInbound(ctx)
	if !ok || got2.Content != "second" {
		t.Fatalf("second consume = (%q, %v), want (second, true)", got2.Content, ok)
	}
}

func TestConsumeHonorsContext(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Fatalf("consume on empty queue should time out")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("consume did not return promptly after ctx expiry")
	}
}

func TestConsumeWakesOnPublish(t *testing.T) {
	b := New(nil)
	done := make(chan OutboundMessage, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, _ := b.ConsumeOutbound(ctx)
		done <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	b.PublishOutbound(OutboundMessage{Channel: "cli", ChatID: "1", Content: "hello"})

	select {
	case msg := <-done:
		if msg.Content != "hello" {
			t.Fatalf("got %q, want hello", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer never woke up")
	}
}

func TestSessionKey(t *testing.T) {
	tests := []struct {
		name string
		msg  InboundMessage
		want string
	}{
		{"derived", InboundMessage{Channel: "telegram", ChatID: "42"}, "telegram:42"},
		{"override", InboundMessage{Channel: "telegram", ChatID: "42", SessionKeyOverride: "custom"}, "custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.SessionKey(); got != tt.want {
				t.Errorf("SessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckEventsDrains(t *testing.T) {
	b := New(nil)
	if got := b.CheckEvents("s1"); got != "" {
		t.Fatalf("empty queue should return empty string, got %q", got)
	}

	b.PublishEvent("s1", "new message arrived")
	b.PublishEvent("s1", "cron fired")

	got := b.CheckEvents("s1")
	want := "- new message arrived\n- cron fired"
	if got != want {
		t.Errorf("CheckEvents = %q, want %q", got, want)
	}

	// Drained: second check is empty.
	if again := b.CheckEvents("s1"); again != "" {
		t.Errorf("second CheckEvents = %q, want empty", again)
	}
}

func TestCheckEventsScopedPerSession(t *testing.T) {
	b := New(nil)
	b.PublishEvent("s1", "for s1")
	if got := b.CheckEvents("s2"); got != "" {
		t.Errorf("s2 should have no events, got %q", got)
	}
	if got := b.CheckEvents("s1"); got != "- for s1" {
		t.Errorf("s1 events = %q", got)
	}
}

func TestDrainProgressPreservesOrder(t *testing.T) {
	b := New(nil)
	progress := map[string]string{MetaProgress: "true"}
	b.PublishOutbound(OutboundMessage{ChatID: "1", Content: "a"})
	b.PublishOutbound(OutboundMessage{ChatID: "1", Content: "p1", Metadata: progress})
	b.PublishOutbound(OutboundMessage{ChatID: "2", Content: "p2", Metadata: progress})
	b.PublishOutbound(OutboundMessage{ChatID: "1", Content: "b"})

	if removed := b.DrainProgress("1"); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	// Second drain is a no-op.
	if removed := b.DrainProgress("1"); removed != 0 {
		t.Fatalf("second drain removed = %d, want 0", removed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []string
	for i := 0; i < 3; i++ {
		msg, ok := b.ConsumeOutbound(ctx)
		if !ok {
			t.Fatalf("expected 3 surviving messages, got %d", len(got))
		}
		got = append(got, msg.Content)
	}
	want := []string{"a", "p2", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("survivor[%d] = %q, want %q (order must be preserved)", i, got[i], want[i])
		}
	}
}

func TestEmitterPanicsDoNotAffectFlow(t *testing.T) {
	b := New(func(diag.Event) { panic("emitter exploded") })
	b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "1", Content: "still delivered"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.Content != "still delivered" {
		t.Fatalf("message lost after emitter panic: (%q, %v)", msg.Content, ok)
	}
}
