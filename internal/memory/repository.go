// Package memory persists the agent's long-term memory: a free-form
// MEMORY.md injected into every prompt and an append-only HISTORY.md of
// archived conversation entries, both under workspace/memory.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	memoryFile  = "MEMORY.md"
	historyFile = "HISTORY.md"
)

// Repository owns the workspace memory directory.
type Repository struct {
	dir string
}

// NewRepository ensures workspace/memory exists and returns accessors for it.
func NewRepository(workspace string) (*Repository, error) {
	return NewRepositoryAt(filepath.Join(workspace, "memory"))
}

// NewRepositoryAt uses an explicit memory directory (the memory.dir config
// override).
func NewRepositoryAt(dir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Repository{dir: dir}, nil
}

// Dir returns the memory directory path.
func (r *Repository) Dir() string { return r.dir }

// ReadLongTerm returns MEMORY.md's content, empty when the file is absent.
func (r *Repository) ReadLongTerm() string {
	data, err := os.ReadFile(filepath.Join(r.dir, memoryFile))
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteLongTerm replaces MEMORY.md via a temp file and rename, so a crash
// mid-write never leaves a truncated memory file.
func (r *Repository) WriteLongTerm(content string) error {
	tmp, err := os.CreateTemp(r.dir, ".memory-*.tmp")
	if err != nil {
		return fmt.Errorf("write long-term memory: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write long-term memory: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write long-term memory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write long-term memory: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(r.dir, memoryFile)); err != nil {
		return fmt.Errorf("write long-term memory: %w", err)
	}
	cleanup = false
	return nil
}

// AppendHistory appends one archive block to HISTORY.md:
//
//	### entry_id: <YYYYMMDDHHMMSS + microseconds>
//	- timestamp: YYYY-MM-DD HH:MM:SS
//	- topic_tags: a, b
//	- source_turn_range: 1-12
//
//	<entry>
func (r *Repository) AppendHistory(entry string, topicTags []string, sourceTurnRange string) error {
	now := time.Now()
	block := fmt.Sprintf(
		"### entry_id: %s\n- timestamp: %s\n- topic_tags: %s\n- source_turn_range: %s\n\n%s\n\n",
		historyEntryID(now),
		now.Format("2006-01-02 15:04:05"),
		strings.Join(topicTags, ", "),
		sourceTurnRange,
		strings.TrimSpace(entry),
	)

	f, err := os.OpenFile(filepath.Join(r.dir, historyFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ReadHistory returns HISTORY.md's content, empty when the file is absent.
func (r *Repository) ReadHistory() string {
	data, err := os.ReadFile(filepath.Join(r.dir, historyFile))
	if err != nil {
		return ""
	}
	return string(data)
}

// MemoryContext renders the prompt section for long-term memory, empty when
// no memory exists yet.
func (r *Repository) MemoryContext() string {
	longTerm := r.ReadLongTerm()
	if longTerm == "" {
		return ""
	}
	return "## Long-term Memory\n" + longTerm
}

// historyEntryID formats a sortable microsecond-resolution id, e.g.
// 20250114093012000042.
func historyEntryID(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%06d", t.Nanosecond()/1000)
}
