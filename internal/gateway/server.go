// Package gateway exposes the runtime over HTTP: health probes for
// orchestrators, an authenticated API for deep health snapshots and log
// queries, and a WebSocket chat bridge for remote clients.
//
// The server doubles as a channel adapter. It registers with the channel
// manager under the name "gateway", so replies addressed to a WebSocket
// client flow through the same outbound dispatch as every other channel.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/channels"
	"github.com/nextlevelbuilder/kestrel/internal/config"
	"github.com/nextlevelbuilder/kestrel/internal/diag"
)

// Server is the gateway HTTP/WebSocket server.
type Server struct {
	*channels.BaseChannel

	cfg        *config.Config
	configPath string
	sink       *diag.Sink

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
	lnCleanup  func() error
}

// NewServer creates a gateway server. The sink may be nil; /api/logs then
// reports that log queries are unavailable.
func NewServer(cfg *config.Config, configPath string, msgBus *bus.MessageBus, sink *diag.Sink) *Server {
	s := &Server{
		BaseChannel: channels.NewBaseChannel("gateway", msgBus, nil),
		cfg:         cfg,
		configPath:  configPath,
		sink:        sink,
		clients:     make(map[string]*wsClient),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0  → enabled at that RPM
	// rate_limit_rpm <= 0 → disabled
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM)

	return s
}

// checkOrigin validates WebSocket connection origin against the allowed origins whitelist.
// If no origins are configured, all origins are allowed (dev mode).
// Empty Origin header (non-browser clients like CLI/SDK) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (CLI, SDK)
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// authorize checks the bearer token on API and WebSocket requests. An empty
// configured token disables auth. WebSocket clients may pass the token as a
// query parameter since browsers cannot set headers on upgrade requests.
func (s *Server) authorize(r *http.Request) bool {
	token := s.cfg.Gateway.Token
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth == "Bearer "+token
	}
	return r.URL.Query().Get("token") == token
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if the mux is needed for additional listeners.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// Unauthenticated probes for orchestrators and load balancers.
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)

	// Authenticated API.
	mux.HandleFunc("/api/health", s.requireAuth(s.handleHealth))
	mux.HandleFunc("/api/logs", s.requireAuth(s.handleLogs))

	// WebSocket chat bridge (auth checked before upgrade).
	mux.HandleFunc("/ws/chat", s.handleChat)

	s.mux = mux
	return mux
}

// Start begins serving in the background. It satisfies the channel adapter
// contract: the listener is bound synchronously so port conflicts surface
// as a start error, then the accept loop runs in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	ln, err := s.listen(addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	s.SetRunning(true)
	slog.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, closing any connected WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.SetRunning(false)

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[string]*wsClient)
	s.mu.Unlock()

	if s.lnCleanup != nil {
		s.lnCleanup()
	}

	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// requireAuth wraps an API handler with token and rate-limit checks.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if !s.rateLimiter.Allow(remoteHost(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
		next(w, r)
	}
}

// handleLiveness reports whether the process-local prerequisites hold.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	code := http.StatusOK
	if snap.Liveness != diag.StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": snap.Liveness})
}

// handleReadiness additionally requires a usable provider.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	code := http.StatusOK
	if snap.Readiness != diag.StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": snap.Readiness, "degraded": snap.Degraded})
}

// handleHealth returns the full health snapshot with per-component evidence.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleLogs queries the JSONL event sink. Query parameters: session, run,
// limit (default 100).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "log sink not configured"})
		return
	}

	filter := diag.QueryFilter{
		SessionKey: r.URL.Query().Get("session"),
		RunID:      r.URL.Query().Get("run"),
		Limit:      100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	rows, err := s.sink.Query(filter)
	if err != nil {
		slog.Error("log query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "events": rows})
}

func (s *Server) snapshot() diag.Snapshot {
	return diag.Collect(diag.CollectOptions{
		Config:     s.cfg,
		ConfigPath: s.configPath,
		Queues:     s.Bus(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// remoteHost strips the port from a request's remote address for use as a
// rate-limit key.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ channels.Channel = (*Server)(nil)
