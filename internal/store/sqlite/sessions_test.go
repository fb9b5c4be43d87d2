package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/store"
)

func openTestStore(t *testing.T, path string) *store.DBSessionStore {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.db")
	key := "telegram:42"

	s := openTestStore(t, path)
	s.AddMessage(key, providers.TextMessage("user", "hello"))
	s.AddMessage(key, providers.TextMessage("assistant", "hi"))
	s.AdvanceConsolidated(key, 1)
	s.SetMeta(key, "plan_mode", "true")
	if err := s.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestStore(t, path)
	defer s2.Close()

	history := s2.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("reloaded history length = %d, want 2", len(history))
	}
	if history[0].Content != "hello" || history[1].Content != "hi" {
		t.Errorf("unexpected history: %+v", history)
	}
	if got := s2.LastConsolidated(key); got != 1 {
		t.Errorf("cursor = %d, want 1", got)
	}
	if v, ok := s2.Meta(key, "plan_mode"); !ok || v != "true" {
		t.Errorf("meta = %q ok=%v", v, ok)
	}
}

func TestUpsertOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.db")
	key := "cli:direct"

	s := openTestStore(t, path)
	defer s.Close()

	s.AddMessage(key, providers.TextMessage("user", "first"))
	if err := s.Save(key); err != nil {
		t.Fatal(err)
	}
	s.AddMessage(key, providers.TextMessage("assistant", "second"))
	if err := s.Save(key); err != nil {
		t.Fatal(err)
	}

	if got := len(s.GetHistory(key)); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestClearResetsCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.db")
	key := "whatsapp:99"

	s := openTestStore(t, path)
	defer s.Close()

	s.AddMessage(key, providers.TextMessage("user", "x"))
	s.AdvanceConsolidated(key, 1)
	s.Clear(key)

	if got := s.MessageCount(key); got != 0 {
		t.Errorf("messages after clear = %d", got)
	}
	if got := s.LastConsolidated(key); got != 0 {
		t.Errorf("cursor after clear = %d", got)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.db")
	key := "discord:7"

	s := openTestStore(t, path)
	s.AddMessage(key, providers.TextMessage("user", "x"))
	if err := s.Save(key); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s.Close()

	s2 := openTestStore(t, path)
	defer s2.Close()
	if got := len(s2.GetHistory(key)); got != 0 {
		t.Errorf("history after delete = %d rows", got)
	}
}

func TestListIncludesSavedAndFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.db")

	s := openTestStore(t, path)
	defer s.Close()

	s.AddMessage("a:1", providers.TextMessage("user", "saved"))
	if err := s.Save("a:1"); err != nil {
		t.Fatal(err)
	}
	s.AddMessage("b:2", providers.TextMessage("user", "fresh"))

	infos := s.List()
	keys := make(map[string]bool)
	for _, info := range infos {
		keys[info.Key] = true
	}
	if !keys["a:1"] || !keys["b:2"] {
		t.Errorf("list missing keys: %v", keys)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	s.Close()

	// Second open re-runs migrations against a current schema.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	s2.Close()
}
