// Package bus decouples channel adapters from the agent runtime with two
// unbounded FIFO queues plus session-scoped interrupt events.
package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/kestrel/internal/diag"
)

// MessageBus owns the inbound and outbound queues and the per-session
// interrupt event lists. All queues are unbounded and strictly FIFO.
type MessageBus struct {
	mu       sync.Mutex
	inbound  []InboundMessage
	outbound []OutboundMessage
	events   map[string][]string

	inboundSignal  chan struct{}
	outboundSignal chan struct{}

	emit diag.Emitter
}

// New creates a MessageBus. emit may be nil; when set, each publish fires a
// diagnostic event. Emitter panics never affect message flow.
func New(emit diag.Emitter) *MessageBus {
	return &MessageBus{
		events:         make(map[string][]string),
		inboundSignal:  make(chan struct{}, 1),
		outboundSignal: make(chan struct{}, 1),
		emit:           emit,
	}
}

// PublishInbound enqueues a message from a channel adapter.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.Lock()
	b.inbound = append(b.inbound, msg)
	size := len(b.inbound)
	b.mu.Unlock()

	signal(b.inboundSignal)

	ev := diag.NewEvent("inbound.received", "bus")
	ev.Channel = msg.Channel
	ev.ChatID = msg.ChatID
	ev.SessionKey = msg.SessionKey()
	ev.RunID = msg.RunID
	ev.TurnID = msg.TurnID
	ev.Attrs = map[string]any{"queue_size": size}
	b.emitEvent(ev)
}

// ConsumeInbound dequeues the oldest inbound message, blocking until one is
// available or ctx is done. Returns false on cancellation/timeout.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	for {
		b.mu.Lock()
		if len(b.inbound) > 0 {
			msg := b.inbound[0]
			b.inbound = b.inbound[1:]
			b.mu.Unlock()
			return msg, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return InboundMessage{}, false
		case <-b.inboundSignal:
		}
	}
}

// PublishOutbound enqueues a message for delivery to a channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.Lock()
	b.outbound = append(b.outbound, msg)
	size := len(b.outbound)
	b.mu.Unlock()

	signal(b.outboundSignal)

	ev := diag.NewEvent("outbound.published", "bus")
	ev.Channel = msg.Channel
	ev.ChatID = msg.ChatID
	ev.RunID = msg.RunID
	ev.TurnID = msg.TurnID
	ev.Attrs = map[string]any{
		"queue_size": size,
		"progress":   msg.IsProgress(),
	}
	b.emitEvent(ev)
}

// ConsumeOutbound dequeues the oldest outbound message, blocking until one is
// available or ctx is done. Returns false on cancellation/timeout.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	for {
		b.mu.Lock()
		if len(b.outbound) > 0 {
			msg := b.outbound[0]
			b.outbound = b.outbound[1:]
			b.mu.Unlock()
			return msg, true
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return OutboundMessage{}, false
		case <-b.outboundSignal:
		}
	}
}

// PublishEvent appends an interrupt event to the session's queue, created on
// first use. Events are injected into a running turn by the dispatcher.
func (b *MessageBus) PublishEvent(sessionKey, text string) {
	b.mu.Lock()
	b.events[sessionKey] = append(b.events[sessionKey], text)
	pending := len(b.events[sessionKey])
	b.mu.Unlock()

	ev := diag.NewEvent("session.event.published", "bus")
	ev.SessionKey = sessionKey
	ev.Attrs = map[string]any{"pending_events": pending}
	b.emitEvent(ev)
}

// CheckEvents drains the session's interrupt queue non-blockingly, returning
// the items joined as "- a\n- b" bullets, or "" when none are pending.
func (b *MessageBus) CheckEvents(sessionKey string) string {
	b.mu.Lock()
	events := b.events[sessionKey]
	delete(b.events, sessionKey)
	b.mu.Unlock()

	if len(events) == 0 {
		return ""
	}
	bullets := make([]string, len(events))
	for i, e := range events {
		bullets[i] = "- " + e
	}
	return strings.Join(bullets, "\n")
}

// HasEvents reports whether interrupt events are pending for the session
// without draining them.
func (b *MessageBus) HasEvents(sessionKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[sessionKey]) > 0
}

// DrainProgress removes queued outbound progress frames for chatID,
// preserving the order of every surviving message.
func (b *MessageBus) DrainProgress(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.outbound[:0]
	removed := 0
	for _, msg := range b.outbound {
		if msg.ChatID == chatID && msg.IsProgress() {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	b.outbound = kept
	return removed
}

// InboundSize returns the current inbound queue depth.
func (b *MessageBus) InboundSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbound)
}

// OutboundSize returns the current outbound queue depth.
func (b *MessageBus) OutboundSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outbound)
}

func (b *MessageBus) emitEvent(ev diag.Event) {
	if b.emit == nil {
		return
	}
	defer func() { _ = recover() }()
	b.emit(ev)
}

// signal wakes one waiter without blocking the publisher.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
