package bus

import (
	"context"
	"time"
)

// InboundMessage represents a message received from a channel (Telegram,
// Discord, CLI, etc.). Immutable after creation except lazy assignment of
// RunID/TurnID by the dispatcher.
type InboundMessage struct {
	Channel            string            `json:"channel"`
	SenderID           string            `json:"sender_id"`
	ChatID             string            `json:"chat_id"`
	Content            string            `json:"content"`
	Media              []string          `json:"media,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Timestamp          time.Time         `json:"timestamp,omitempty"`
	SessionKeyOverride string            `json:"session_key_override,omitempty"`
	RunID              string            `json:"run_id,omitempty"`
	TurnID             string            `json:"turn_id,omitempty"`
}

// SessionKey returns the canonical session identity for this message:
// the explicit override when set, otherwise "channel:chat_id".
func (m InboundMessage) SessionKey() string {
	if m.SessionKeyOverride != "" {
		return m.SessionKeyOverride
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage represents a message to be delivered to a channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	RunID    string            `json:"run_id,omitempty"`
	TurnID   string            `json:"turn_id,omitempty"`
}

// MediaAttachment represents a media file to be sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg")
	Caption     string `json:"caption,omitempty"`      // optional caption
}

// Metadata keys marking transient outbound frames.
const (
	MetaProgress = "_progress"  // "true" on progress frames (dropped by /stop)
	MetaToolHint = "_tool_hint" // "true" on tool-call announcements
)

// IsProgress reports whether the message is a transient progress frame.
func (m OutboundMessage) IsProgress() bool {
	return m.Metadata[MetaProgress] == "true"
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
