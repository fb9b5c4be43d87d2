package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/sessions"
	"github.com/nextlevelbuilder/kestrel/internal/store/file"
)

// archiveProvider replays one canned reply and records requests.
type archiveProvider struct {
	reply    string
	err      error
	requests []providers.ChatRequest
}

func (p *archiveProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &providers.ChatResponse{Content: p.reply, FinishReason: "stop"}, nil
}

func (p *archiveProvider) DefaultModel() string { return "test-model" }
func (p *archiveProvider) Name() string         { return "archive" }

func newConsolidatorEnv(t *testing.T, p providers.Provider) (*Consolidator, *Repository, *file.SessionStore) {
	t.Helper()
	repo := newTestRepo(t)
	st := file.New(sessions.NewManager(""))
	return NewConsolidator(repo, st, p, ""), repo, st
}

func seedConversation(st *file.SessionStore, key string) {
	st.GetOrCreate(key)
	st.AddMessages(key,
		providers.Message{Role: "user", Content: "what is the capital of Vietnam?"},
		providers.Message{Role: "assistant", Content: "Hanoi."},
		providers.Message{Role: "user", Content: "remember that I live there"},
		providers.Message{Role: "assistant", Content: "Noted, you live in Hanoi."},
	)
}

func TestConsolidateWritesMemoryAndHistory(t *testing.T) {
	provider := &archiveProvider{
		reply: `{"memory":"- User lives in Hanoi\n","history_entry":"User shared that they live in Hanoi.","topic_tags":["location","user"]}`,
	}
	c, repo, st := newConsolidatorEnv(t, provider)
	key := "cli:direct"
	seedConversation(st, key)

	if err := c.Consolidate(context.Background(), key, false); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	if got := repo.ReadLongTerm(); got != "- User lives in Hanoi\n" {
		t.Errorf("MEMORY.md = %q", got)
	}
	history := repo.ReadHistory()
	for _, want := range []string{
		"- topic_tags: location, user\n",
		"- source_turn_range: 1-4\n",
		"User shared that they live in Hanoi.",
	} {
		if !strings.Contains(history, want) {
			t.Errorf("HISTORY.md missing %q:\n%s", want, history)
		}
	}
	if got := st.LastConsolidated(key); got != 4 {
		t.Errorf("LastConsolidated = %d, want 4", got)
	}
	if got := st.PendingCount(key); got != 0 {
		t.Errorf("PendingCount = %d, want 0", got)
	}

	if len(provider.requests) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(provider.requests))
	}
	req := provider.requests[0]
	if req.Model != "test-model" {
		t.Errorf("Model = %q, want default model fallback", req.Model)
	}
	if req.MaxTokens != consolidateMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, consolidateMaxTokens)
	}
	prompt := req.Messages[0].Content
	if !strings.Contains(prompt, "user: what is the capital of Vietnam?\n") {
		t.Errorf("prompt missing user line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "assistant: Hanoi.\n") {
		t.Errorf("prompt missing assistant line:\n%s", prompt)
	}
}

func TestConsolidateFencedReply(t *testing.T) {
	provider := &archiveProvider{
		reply: "```json\n{\"memory\":\"- Fact\\n\",\"history_entry\":\"Short chat.\",\"topic_tags\":[]}\n```",
	}
	c, repo, st := newConsolidatorEnv(t, provider)
	key := "cli:direct"
	seedConversation(st, key)

	if err := c.Consolidate(context.Background(), key, false); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if got := repo.ReadLongTerm(); got != "- Fact\n" {
		t.Errorf("MEMORY.md = %q", got)
	}
}

func TestConsolidateArchiveAllKeepsCursor(t *testing.T) {
	provider := &archiveProvider{
		reply: `{"memory":"- Everything archived\n","history_entry":"Session closed.","topic_tags":["session"]}`,
	}
	c, repo, st := newConsolidatorEnv(t, provider)
	key := "telegram:42"
	seedConversation(st, key)

	if err := c.Consolidate(context.Background(), key, true); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	// The /new flow clears the session right after, so the cursor is not
	// advanced here.
	if got := st.LastConsolidated(key); got != 0 {
		t.Errorf("LastConsolidated = %d, want 0", got)
	}
	if got := repo.ReadLongTerm(); got != "- Everything archived\n" {
		t.Errorf("MEMORY.md = %q", got)
	}
}

func TestConsolidateNothingPending(t *testing.T) {
	provider := &archiveProvider{reply: `{"memory":"x"}`}
	c, _, st := newConsolidatorEnv(t, provider)
	st.GetOrCreate("cli:direct")

	if err := c.Consolidate(context.Background(), "cli:direct", false); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(provider.requests) != 0 {
		t.Errorf("provider called %d times for empty session", len(provider.requests))
	}
}

func TestConsolidateProviderErrorLeavesStateAlone(t *testing.T) {
	provider := &archiveProvider{err: errors.New("rate limited")}
	c, repo, st := newConsolidatorEnv(t, provider)
	key := "cli:direct"
	seedConversation(st, key)

	err := c.Consolidate(context.Background(), key, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v, want wrapped provider error", err)
	}
	if got := repo.ReadLongTerm(); got != "" {
		t.Errorf("MEMORY.md written despite failure: %q", got)
	}
	if got := st.LastConsolidated(key); got != 0 {
		t.Errorf("cursor advanced despite failure: %d", got)
	}
}

func TestConsolidateMalformedReply(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"no json", "Sorry, I cannot produce the archive right now."},
		{"broken json", `{"memory": "unterminated`},
		{"empty fields", `{"memory":"   ","history_entry":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &archiveProvider{reply: tt.reply}
			c, _, st := newConsolidatorEnv(t, provider)
			key := "cli:direct"
			seedConversation(st, key)

			if err := c.Consolidate(context.Background(), key, false); err == nil {
				t.Fatal("expected error")
			}
			if got := st.LastConsolidated(key); got != 0 {
				t.Errorf("cursor advanced despite failure: %d", got)
			}
		})
	}
}

func TestConsolidateEmptyMemoryKeepsExistingFile(t *testing.T) {
	provider := &archiveProvider{
		reply: `{"memory":"","history_entry":"Small talk about the weather.","topic_tags":["chitchat"]}`,
	}
	c, repo, st := newConsolidatorEnv(t, provider)
	if err := repo.WriteLongTerm("- Existing fact\n"); err != nil {
		t.Fatalf("WriteLongTerm: %v", err)
	}
	key := "cli:direct"
	seedConversation(st, key)

	if err := c.Consolidate(context.Background(), key, false); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if got := repo.ReadLongTerm(); got != "- Existing fact\n" {
		t.Errorf("MEMORY.md = %q, want existing content preserved", got)
	}
	if !strings.Contains(repo.ReadHistory(), "Small talk about the weather.") {
		t.Errorf("history entry missing:\n%s", repo.ReadHistory())
	}
	if got := st.LastConsolidated(key); got != 4 {
		t.Errorf("LastConsolidated = %d, want 4", got)
	}
}

func TestConsolidateAdvancingRanges(t *testing.T) {
	provider := &archiveProvider{
		reply: `{"memory":"- m\n","history_entry":"Entry.","topic_tags":["t"]}`,
	}
	c, repo, st := newConsolidatorEnv(t, provider)
	key := "cli:direct"
	st.GetOrCreate(key)
	st.AddMessages(key,
		providers.Message{Role: "user", Content: "one"},
		providers.Message{Role: "assistant", Content: "two"},
	)
	if err := c.Consolidate(context.Background(), key, false); err != nil {
		t.Fatalf("first Consolidate: %v", err)
	}

	st.AddMessages(key,
		providers.Message{Role: "user", Content: "three"},
		providers.Message{Role: "assistant", Content: "four"},
	)
	if err := c.Consolidate(context.Background(), key, false); err != nil {
		t.Fatalf("second Consolidate: %v", err)
	}

	history := repo.ReadHistory()
	if !strings.Contains(history, "- source_turn_range: 1-2\n") {
		t.Errorf("first range missing:\n%s", history)
	}
	if !strings.Contains(history, "- source_turn_range: 3-4\n") {
		t.Errorf("second range missing:\n%s", history)
	}
	if got := st.LastConsolidated(key); got != 4 {
		t.Errorf("LastConsolidated = %d, want 4", got)
	}
}

func TestConsolidateSkipsUnarchivableSlice(t *testing.T) {
	provider := &archiveProvider{reply: `{"memory":"x"}`}
	c, _, st := newConsolidatorEnv(t, provider)
	key := "cli:direct"
	st.GetOrCreate(key)
	st.AddMessages(key,
		providers.Message{Role: "tool", Content: "raw tool dump", ToolCallID: "tc1"},
		providers.Message{Role: "assistant", Content: "<think>only thoughts</think>"},
	)

	if err := c.Consolidate(context.Background(), key, false); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(provider.requests) != 0 {
		t.Errorf("provider called for unarchivable slice")
	}
	if got := st.LastConsolidated(key); got != 2 {
		t.Errorf("LastConsolidated = %d, want 2", got)
	}
}

func TestConsolidatePromptCarriesCurrentMemory(t *testing.T) {
	provider := &archiveProvider{
		reply: `{"memory":"- updated\n","history_entry":"Entry.","topic_tags":[]}`,
	}
	c, repo, st := newConsolidatorEnv(t, provider)
	if err := repo.WriteLongTerm("- Existing fact\n"); err != nil {
		t.Fatalf("WriteLongTerm: %v", err)
	}
	key := "cli:direct"
	seedConversation(st, key)

	if err := c.Consolidate(context.Background(), key, false); err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	prompt := provider.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "Current MEMORY.md:\n- Existing fact\n") {
		t.Errorf("prompt missing current memory:\n%s", prompt)
	}
}

func TestBuildTranscript(t *testing.T) {
	got := buildTranscript([]providers.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "<think>pondering</think>hi there"},
		{Role: "tool", Content: "ignored", ToolCallID: "tc1"},
		{Role: "user", Content: ""},
		{Role: "assistant", Content: "bye"},
	})
	want := "user: hello\nassistant: hi there\nassistant: bye"
	if got != want {
		t.Errorf("buildTranscript = %q, want %q", got, want)
	}
}
