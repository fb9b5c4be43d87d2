package channels

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
)

const (
	// Per-chat outbound pacing: sustained one message per second with a
	// small burst, enough under every platform's flood limits.
	sendRate  = rate.Limit(1)
	sendBurst = 4

	// maxTrackedChats bounds the limiter map; when hit, the map resets
	// rather than growing without bound.
	maxTrackedChats = 4096
)

// Manager owns channel lifecycle and the outbound dispatch loop: it
// consumes bus.outbound, rate-limits per chat, chunks to the channel's
// limit, and routes to the adapter named by the message.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a channel manager. Adapters register before StartAll.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterChannel adds an adapter under its own name.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// GetChannel returns a registered adapter by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status reports running state per registered channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// StartAll starts every registered adapter and the outbound dispatcher.
// Adapters start concurrently since network handshakes dominate startup;
// failures are logged, not fatal: one bad token should not take down the
// rest.
func (m *Manager) StartAll(ctx context.Context) error {
	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	var g errgroup.Group
	for name, ch := range m.channels {
		g.Go(func() error {
			if err := ch.Start(ctx); err != nil {
				slog.Error("channel start failed", "channel", name, "error", err)
				return nil
			}
			slog.Info("channel started", "channel", name)
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops the dispatch loop and every adapter.
func (m *Manager) StopAll(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound routes bus messages to adapters until ctx is done.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.done)
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		m.deliver(ctx, msg)
	}
}

// deliver sends one message: rate-limited per chat, chunked to the
// channel's limit, media attached to the first chunk only. Temp media
// files are removed afterwards regardless of outcome.
func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	ch, ok := m.GetChannel(msg.Channel)
	if !ok {
		slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
		return
	}

	lim := m.limiter(msg.Channel + ":" + msg.ChatID)
	chunks := Chunk(msg.Content, LimitFor(msg.Channel))
	for i, chunk := range chunks {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		out := msg
		out.Content = chunk
		if i > 0 {
			out.Media = nil
		}
		if err := ch.Send(ctx, out); err != nil {
			slog.Error("channel send failed", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
			break
		}
	}

	// Media files are produced by tools for exactly one send.
	for _, media := range msg.Media {
		if media.URL == "" || strings.Contains(media.URL, "://") {
			continue
		}
		if err := os.Remove(media.URL); err != nil {
			slog.Debug("media cleanup failed", "path", media.URL, "error", err)
		}
	}
}

// limiter returns the per-chat limiter, creating it on first use.
func (m *Manager) limiter(key string) *rate.Limiter {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	if len(m.limiters) >= maxTrackedChats {
		m.limiters = make(map[string]*rate.Limiter)
	}
	lim := rate.NewLimiter(sendRate, sendBurst)
	m.limiters[key] = lim
	return lim
}
