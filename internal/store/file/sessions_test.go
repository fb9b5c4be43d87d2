package file

import (
	"testing"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/sessions"
)

func TestPassThrough(t *testing.T) {
	dir := t.TempDir()
	s := New(sessions.NewManager(dir))
	key := "telegram:direct:1"

	s.AddMessage(key, providers.TextMessage("user", "hello"))
	s.SetMeta(key, "plan_mode", "true")
	if err := s.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh manager over the same dir sees the snapshot.
	s2 := New(sessions.NewManager(dir))
	if got := len(s2.GetHistory(key)); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
	if v, _ := s2.Meta(key, "plan_mode"); v != "true" {
		t.Errorf("meta = %q", v)
	}
	if err := s2.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
