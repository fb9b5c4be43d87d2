package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
	"github.com/nextlevelbuilder/kestrel/internal/config"
	"github.com/nextlevelbuilder/kestrel/internal/diag"
)

// newTestServer builds a server over a throwaway workspace with a provider
// key configured, so liveness and readiness both pass unless the mutate
// callback breaks something on purpose.
func newTestServer(t *testing.T, sink *diag.Sink, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := config.Default()
	cfg.Agents.Defaults.Workspace = dir
	cfg.Providers.Anthropic.APIKey = "sk-test"
	cfg.Gateway.RateLimitRPM = 0
	if mutate != nil {
		mutate(cfg)
	}

	s := NewServer(cfg, cfgPath, bus.New(nil), sink)
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, headers map[string]string) (int, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func TestProbesHealthy(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	code, body := getJSON(t, ts.URL+"/healthz", nil)
	if code != http.StatusOK {
		t.Fatalf("healthz code = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("healthz status = %v, want ok", body["status"])
	}

	code, body = getJSON(t, ts.URL+"/readyz", nil)
	if code != http.StatusOK {
		t.Fatalf("readyz code = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("readyz status = %v, want ok", body["status"])
	}
}

func TestReadinessFailsWithoutProvider(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("KESTREL_API_KEY", "")

	_, ts := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Providers.Anthropic.APIKey = ""
	})

	code, _ := getJSON(t, ts.URL+"/healthz", nil)
	if code != http.StatusOK {
		t.Errorf("healthz code = %d, want 200 (liveness ignores provider)", code)
	}

	code, body := getJSON(t, ts.URL+"/readyz", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("readyz code = %d, want 503", code)
	}
	if body["status"] != "failed" {
		t.Errorf("readyz status = %v, want failed", body["status"])
	}
}

func TestAPIAuth(t *testing.T) {
	_, ts := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Gateway.Token = "secret"
	})

	tests := []struct {
		name     string
		url      string
		headers  map[string]string
		wantCode int
	}{
		{"no credentials", ts.URL + "/api/health", nil, http.StatusUnauthorized},
		{"wrong bearer", ts.URL + "/api/health", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"good bearer", ts.URL + "/api/health", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"query param", ts.URL + "/api/health?token=secret", nil, http.StatusOK},
		{"probes stay open", ts.URL + "/healthz", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := getJSON(t, tt.url, tt.headers)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestHealthSnapshotBody(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	code, body := getJSON(t, ts.URL+"/api/health", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	if body["liveness"] != "ok" {
		t.Errorf("liveness = %v, want ok", body["liveness"])
	}
	evidence, ok := body["evidence"].([]any)
	if !ok || len(evidence) == 0 {
		t.Fatalf("evidence missing from snapshot: %v", body)
	}
}

func TestLogsQuery(t *testing.T) {
	sink := diag.NewSink(diag.SinkConfig{Path: filepath.Join(t.TempDir(), "events.jsonl")})

	for i, key := range []string{"telegram:1", "telegram:1", "discord:9"} {
		ev := diag.NewEvent("agent.run.start", "dispatcher")
		ev.SessionKey = key
		if err := sink.Emit(ev); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}

	_, ts := newTestServer(t, sink, nil)

	code, body := getJSON(t, ts.URL+"/api/logs?session=telegram:1&limit=10", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}

	code, body = getJSON(t, ts.URL+"/api/logs?limit=1", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}

	code, _ = getJSON(t, ts.URL+"/api/logs?limit=zero", nil)
	if code != http.StatusBadRequest {
		t.Errorf("invalid limit code = %d, want 400", code)
	}
}

func TestLogsWithoutSink(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	code, _ := getJSON(t, ts.URL+"/api/logs", nil)
	if code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestChatBridgeRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, nil, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"content": "hello", "session_key": "gateway:main"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := s.Bus().ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "gateway" || msg.Content != "hello" {
		t.Errorf("inbound = %q on %q, want hello on gateway", msg.Content, msg.Channel)
	}
	if msg.SenderID != "remote" {
		t.Errorf("SenderID = %q, want remote", msg.SenderID)
	}
	if msg.SessionKey() != "gateway:main" {
		t.Errorf("SessionKey = %q, want gateway:main", msg.SessionKey())
	}
	if msg.ChatID == "" {
		t.Fatal("ChatID empty, outbound routing would fail")
	}

	progress := bus.OutboundMessage{
		Channel:  "gateway",
		ChatID:   msg.ChatID,
		Content:  "thinking",
		Metadata: map[string]string{bus.MetaProgress: "true"},
	}
	if err := s.Send(context.Background(), progress); err != nil {
		t.Fatalf("send progress: %v", err)
	}
	final := bus.OutboundMessage{Channel: "gateway", ChatID: msg.ChatID, Content: "reply", RunID: "r1"}
	if err := s.Send(context.Background(), final); err != nil {
		t.Fatalf("send final: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first chatResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read progress frame: %v", err)
	}
	if first.Content != "thinking" || !first.Progress {
		t.Errorf("progress frame = %+v, want thinking with progress flag", first)
	}

	var second chatResponse
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read final frame: %v", err)
	}
	if second.Content != "reply" || second.Progress {
		t.Errorf("final frame = %+v, want reply without progress flag", second)
	}
	if second.RunID != "r1" {
		t.Errorf("RunID = %q, want r1", second.RunID)
	}
}

func TestChatRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Gateway.Token = "secret"
	})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat"), nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat?token=secret"), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}

func TestChatRateLimited(t *testing.T) {
	s, ts := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Gateway.RateLimitRPM = 1
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, content := range []string{"first", "second"} {
		if err := conn.WriteJSON(map[string]string{"content": content}); err != nil {
			t.Fatalf("write %s: %v", content, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp chatResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if resp.Error != "rate limited" {
		t.Errorf("error = %q, want rate limited", resp.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := s.Bus().ConsumeInbound(ctx)
	if !ok || msg.Content != "first" {
		t.Errorf("inbound = %v %q, want the first frame only", ok, msg.Content)
	}
	if s.Bus().InboundSize() != 0 {
		t.Errorf("inbound queue = %d, want 0 (second frame dropped)", s.Bus().InboundSize())
	}
}

func TestSendUnknownClient(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	err := s.Send(context.Background(), bus.OutboundMessage{Channel: "gateway", ChatID: "gone", Content: "x"})
	if err == nil {
		t.Fatal("send to disconnected client should error")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no allowlist admits anyone", nil, "https://evil.example", true},
		{"empty origin is a non-browser client", []string{"https://app.example"}, "", true},
		{"exact match", []string{"https://app.example"}, "https://app.example", true},
		{"mismatch rejected", []string{"https://app.example"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://anywhere.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Gateway.AllowedOrigins = tt.allowed
			s := NewServer(cfg, "", bus.New(nil), nil)

			r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
