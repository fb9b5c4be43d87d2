package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
)

const wsReadLimit = 1 << 20 // 1MB per frame

// chatRequest is one inbound frame from a remote client.
type chatRequest struct {
	Content    string `json:"content"`
	SenderID   string `json:"sender_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"` // optional: resume a session across reconnects
}

// chatResponse is one outbound frame to a remote client.
type chatResponse struct {
	Content  string                `json:"content,omitempty"`
	Media    []bus.MediaAttachment `json:"media,omitempty"`
	RunID    string                `json:"run_id,omitempty"`
	TurnID   string                `json:"turn_id,omitempty"`
	Progress bool                  `json:"progress,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// wsClient is one connected WebSocket chat client. The connection id doubles
// as the chat id on the bus, so outbound routing finds the right socket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleChat upgrades the connection and bridges frames onto the bus.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{id: uuid.NewString()[:8], conn: conn}
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		conn.Close()
	}()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "id", client.id, "error", err)
			}
			return
		}
		if req.Content == "" {
			continue
		}
		if !s.rateLimiter.Allow("ws:" + client.id) {
			client.writeJSON(chatResponse{Error: "rate limited"})
			continue
		}

		sender := req.SenderID
		if sender == "" {
			sender = "remote"
		}

		s.Bus().PublishInbound(bus.InboundMessage{
			Channel:            s.Name(),
			SenderID:           sender,
			ChatID:             client.id,
			Content:            req.Content,
			SessionKeyOverride: req.SessionKey,
			Metadata:           map[string]string{"remote_addr": r.RemoteAddr},
			Timestamp:          time.Now(),
		})
	}
}

// Send delivers an outbound message to the WebSocket client whose connection
// id matches the chat id. Called by the channel manager dispatch loop.
func (s *Server) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s.mu.RLock()
	client, ok := s.clients[msg.ChatID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway client %s not connected", msg.ChatID)
	}

	return client.writeJSON(chatResponse{
		Content:  msg.Content,
		Media:    msg.Media,
		RunID:    msg.RunID,
		TurnID:   msg.TurnID,
		Progress: msg.IsProgress(),
	})
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("gateway client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("gateway client disconnected", "id", c.id)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
