package channels

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/bus"
)

type stubChannel struct {
	name     string
	failSend bool

	mu      sync.Mutex
	sends   []bus.OutboundMessage
	started bool

	gotSend chan struct{}
}

func newStubChannel(name string) *stubChannel {
	return &stubChannel{name: name, gotSend: make(chan struct{}, 16)}
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *stubChannel) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

func (s *stubChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	s.mu.Lock()
	s.sends = append(s.sends, msg)
	s.mu.Unlock()
	s.gotSend <- struct{}{}
	if s.failSend {
		return errors.New("send rejected")
	}
	return nil
}

func (s *stubChannel) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *stubChannel) IsAllowed(senderID string) bool { return true }

func (s *stubChannel) sent() []bus.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bus.OutboundMessage, len(s.sends))
	copy(out, s.sends)
	return out
}

func (s *stubChannel) waitSends(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.gotSend:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for send %d of %d", i+1, n)
		}
	}
}

func startManager(t *testing.T, msgBus *bus.MessageBus, chs ...Channel) *Manager {
	t.Helper()
	m := NewManager(msgBus)
	for _, ch := range chs {
		m.RegisterChannel(ch)
	}
	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.StopAll(stopCtx)
	})
	return m
}

func TestManagerRoutesToNamedChannel(t *testing.T) {
	msgBus := bus.New(nil)
	stub := newStubChannel("telegram")
	startManager(t, msgBus, stub)

	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})
	stub.waitSends(t, 1)

	sends := stub.sent()
	if len(sends) != 1 || sends[0].Content != "hi" || sends[0].ChatID != "42" {
		t.Fatalf("sends = %+v", sends)
	}
}

func TestManagerSkipsInternalAndUnknown(t *testing.T) {
	msgBus := bus.New(nil)
	stub := newStubChannel("telegram")
	startManager(t, msgBus, stub)

	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "cli", ChatID: "local", Content: "internal"})
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "slack", ChatID: "1", Content: "nobody home"})
	msgBus.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "real"})
	stub.waitSends(t, 1)

	sends := stub.sent()
	if len(sends) != 1 || sends[0].Content != "real" {
		t.Fatalf("expected only the telegram message, got %+v", sends)
	}
}

func TestManagerChunksAndAttachesMediaOnce(t *testing.T) {
	msgBus := bus.New(nil)
	stub := newStubChannel("discord")
	startManager(t, msgBus, stub)

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "discord",
		ChatID:  "42",
		Content: strings.Repeat("a", 2500),
		Media:   []bus.MediaAttachment{{URL: "https://example.com/pic.png"}},
	})
	stub.waitSends(t, 2)

	sends := stub.sent()
	if len(sends) != 2 {
		t.Fatalf("got %d sends, want 2 chunks", len(sends))
	}
	if len(sends[0].Content)+len(sends[1].Content) != 2500 {
		t.Errorf("chunks lost content: %d + %d bytes", len(sends[0].Content), len(sends[1].Content))
	}
	if len(sends[0].Media) != 1 {
		t.Error("first chunk must carry the media")
	}
	if sends[1].Media != nil {
		t.Error("second chunk must not repeat the media")
	}
}

func TestManagerStopsChunksAfterSendFailure(t *testing.T) {
	msgBus := bus.New(nil)
	stub := newStubChannel("discord")
	stub.failSend = true
	startManager(t, msgBus, stub)

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "discord",
		ChatID:  "42",
		Content: strings.Repeat("b", 2500),
	})
	stub.waitSends(t, 1)
	time.Sleep(50 * time.Millisecond)

	if n := len(stub.sent()); n != 1 {
		t.Fatalf("got %d sends after failure, want 1", n)
	}
}

func TestManagerCleansUpLocalMediaFiles(t *testing.T) {
	msgBus := bus.New(nil)
	stub := newStubChannel("telegram")
	startManager(t, msgBus, stub)

	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  "42",
		Content: "here",
		Media: []bus.MediaAttachment{
			{URL: path},
			{URL: "https://example.com/keep.png"},
		},
	})
	stub.waitSends(t, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("local media file was not cleaned up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerStatus(t *testing.T) {
	msgBus := bus.New(nil)
	tg := newStubChannel("telegram")
	dc := newStubChannel("discord")

	m := NewManager(msgBus)
	m.RegisterChannel(tg)
	m.RegisterChannel(dc)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer func() { _ = m.StopAll(context.Background()) }()

	status := m.Status()
	if !status["telegram"] || !status["discord"] {
		t.Fatalf("status = %v, want both running", status)
	}

	if _, ok := m.GetChannel("telegram"); !ok {
		t.Error("GetChannel(telegram) not found")
	}
	if _, ok := m.GetChannel("zalo"); ok {
		t.Error("GetChannel(zalo) should be absent")
	}
	if names := m.Names(); len(names) != 2 {
		t.Errorf("Names() = %v, want 2 entries", names)
	}
}
