package sessions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
)

func TestAddMessageAndHistory(t *testing.T) {
	m := NewManager("")
	key := "telegram:42"

	m.AddMessage(key, providers.TextMessage("user", "hello"))
	m.AddMessage(key, providers.TextMessage("assistant", "hi"))

	history := m.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Content != "hello" || history[1].Content != "hi" {
		t.Errorf("unexpected history contents: %+v", history)
	}

	// Returned slice is a copy.
	history[0].Content = "mutated"
	if m.GetHistory(key)[0].Content != "hello" {
		t.Errorf("GetHistory returned a live reference")
	}
}

func TestConsolidationCursor(t *testing.T) {
	m := NewManager("")
	key := "cli:direct"

	for i := 0; i < 5; i++ {
		m.AddMessage(key, providers.TextMessage("user", "m"))
	}

	pending, upto := m.Unconsolidated(key)
	if len(pending) != 5 || upto != 5 {
		t.Fatalf("pending=%d upto=%d, want 5/5", len(pending), upto)
	}

	// Messages appended during archival stay pending.
	m.AddMessage(key, providers.TextMessage("user", "late"))
	m.AdvanceConsolidated(key, upto)

	if got := m.LastConsolidated(key); got != 5 {
		t.Errorf("cursor = %d, want 5", got)
	}
	if got := m.PendingCount(key); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}

	// Cursor never moves backward and clamps to the history length.
	m.AdvanceConsolidated(key, 3)
	if got := m.LastConsolidated(key); got != 5 {
		t.Errorf("cursor moved backward to %d", got)
	}
	m.AdvanceConsolidated(key, 100)
	if got := m.LastConsolidated(key); got != 6 {
		t.Errorf("cursor = %d, want clamp to 6", got)
	}
}

func TestClearResetsCursorKeepsMetadata(t *testing.T) {
	m := NewManager("")
	key := "discord:99"

	m.AddMessage(key, providers.TextMessage("user", "x"))
	m.AdvanceConsolidated(key, 1)
	m.SetMeta(key, "plan_mode", "true")

	m.Clear(key)

	if got := m.MessageCount(key); got != 0 {
		t.Errorf("messages after clear = %d", got)
	}
	if got := m.LastConsolidated(key); got != 0 {
		t.Errorf("cursor after clear = %d", got)
	}
	if v, ok := m.Meta(key, "plan_mode"); !ok || v != "true" {
		t.Errorf("metadata should survive clear, got %q ok=%v", v, ok)
	}
}

func TestMetadataLifecycle(t *testing.T) {
	m := NewManager("")
	key := "whatsapp:123"

	if _, ok := m.Meta(key, "doctor_mode"); ok {
		t.Errorf("meta should be absent initially")
	}
	m.SetMeta(key, "doctor_mode", "true")
	if v, ok := m.Meta(key, "doctor_mode"); !ok || v != "true" {
		t.Errorf("meta = %q ok=%v", v, ok)
	}
	m.DeleteMeta(key, "doctor_mode")
	if _, ok := m.Meta(key, "doctor_mode"); ok {
		t.Errorf("meta should be deleted")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	key := "telegram:direct:777"

	m := NewManager(dir)
	m.AddMessage(key, providers.TextMessage("user", "persist me"))
	m.AdvanceConsolidated(key, 1)
	m.SetMeta(key, "plan_mode", "true")
	if err := m.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Colons are sanitized out of the filename.
	wantFile := filepath.Join(dir, "telegram_direct_777.json")
	if _, err := os.Stat(wantFile); err != nil {
		t.Fatalf("snapshot file: %v", err)
	}

	m2 := NewManager(dir)
	history := m2.GetHistory(key)
	if len(history) != 1 || history[0].Content != "persist me" {
		t.Errorf("reloaded history = %+v", history)
	}
	if got := m2.LastConsolidated(key); got != 1 {
		t.Errorf("reloaded cursor = %d, want 1", got)
	}
	if v, _ := m2.Meta(key, "plan_mode"); v != "true" {
		t.Errorf("reloaded metadata = %q", v)
	}
}

func TestSaveRejectsTraversalKeys(t *testing.T) {
	m := NewManager(t.TempDir())
	key := "../evil"
	m.AddMessage(key, providers.TextMessage("user", "x"))
	if err := m.Save(key); err == nil {
		t.Errorf("expected error for traversal key")
	}
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	dir := t.TempDir()
	key := "cli:direct"

	m := NewManager(dir)
	m.AddMessage(key, providers.TextMessage("user", "x"))
	if err := m.Save(key); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cli_direct.json")); !os.IsNotExist(err) {
		t.Errorf("snapshot should be gone, err=%v", err)
	}
	if m.MessageCount(key) != 0 {
		t.Errorf("session should be gone from memory")
	}
}

func TestListSorted(t *testing.T) {
	m := NewManager("")
	m.AddMessage("b:2", providers.TextMessage("user", "x"))
	m.AddMessage("a:1", providers.TextMessage("user", "y"))

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("len = %d", len(infos))
	}
	if infos[0].Key != "a:1" || infos[1].Key != "b:2" {
		t.Errorf("list not sorted: %v, %v", infos[0].Key, infos[1].Key)
	}
	if infos[0].MessageCount != 1 {
		t.Errorf("message count = %d", infos[0].MessageCount)
	}
}
