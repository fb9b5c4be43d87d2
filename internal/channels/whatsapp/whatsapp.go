// Package whatsapp connects to a WhatsApp bridge over WebSocket. The
// bridge (whatsapp-web.js or similar) speaks the actual WhatsApp
// protocol; this adapter exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/channels"
	"github.com/nextlevelbuilder/kestrel/internal/config"
)

const (
	dialTimeout    = 10 * time.Second
	maxFrameBytes  = 1 << 20 // 1MB
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// bridgeMessage is the JSON frame shared with the bridge in both
// directions.
type bridgeMessage struct {
	Type     string   `json:"type"`
	To       string   `json:"to,omitempty"`
	From     string   `json:"from,omitempty"`
	Chat     string   `json:"chat,omitempty"`
	Content  string   `json:"content,omitempty"`
	ID       string   `json:"id,omitempty"`
	FromName string   `json:"from_name,omitempty"`
	Media    []string `json:"media,omitempty"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	*channels.BaseChannel
	bridgeURL string

	mu   sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a WhatsApp channel from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom),
		bridgeURL:   cfg.BridgeURL,
	}, nil
}

// Start connects to the bridge and begins the read loop. A failed first
// connect is not fatal: the loop keeps retrying with backoff.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.connect(runCtx); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(runCtx)

	c.SetRunning(true)
	return nil
}

// Stop closes the bridge connection and waits for the read loop.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
	c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("whatsapp read loop did not exit within timeout")
		}
	}
	return nil
}

// Send writes one outbound frame to the bridge. Media attachments are
// not forwarded: the bridge runs on another host and cannot read local
// files.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	data, err := json.Marshal(bridgeMessage{
		Type:    "message",
		To:      msg.ChatID,
		Content: msg.Content,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send whatsapp message: %w", err)
	}
	return nil
}

// connect dials the bridge.
func (c *Channel) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.bridgeURL, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.bridgeURL)
	return nil
}

// listenLoop reads frames until ctx is done, reconnecting with doubling
// backoff after failures.
func (c *Channel) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(ctx); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = initialBackoff
			continue
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close(websocket.StatusAbnormalClosure, "read failed")
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		if msg.Type == "message" {
			c.handleBridgeMessage(msg)
		}
	}
}

// handleBridgeMessage publishes one inbound frame to the bus.
func (c *Channel) handleBridgeMessage(msg bridgeMessage) {
	if msg.From == "" {
		return
	}
	chatID := msg.Chat
	if chatID == "" {
		chatID = msg.From
	}

	content := msg.Content
	if content == "" && len(msg.Media) == 0 {
		return
	}

	// Group chats end in "@g.us"; annotate the sender so the model knows
	// who is talking.
	isGroup := strings.HasSuffix(chatID, "@g.us")
	if isGroup && msg.FromName != "" {
		content = fmt.Sprintf("[From: %s]\n%s", msg.FromName, content)
	}

	slog.Debug("whatsapp message received",
		"sender_id", msg.From,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	metadata := map[string]string{
		"is_group": fmt.Sprintf("%t", isGroup),
	}
	if msg.ID != "" {
		metadata["message_id"] = msg.ID
	}
	if msg.FromName != "" {
		metadata["username"] = msg.FromName
	}

	c.HandleMessage(msg.From, chatID, content, msg.Media, metadata)
}
