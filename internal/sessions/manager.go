// Package sessions stores per-conversation history and metadata.
//
// A session key identifies one conversation: "{channel}:{chatID}" for
// channel traffic, or an explicit override for internal flows (cron runs,
// spawned tasks). Each session tracks a consolidation cursor: messages
// before the cursor have been archived to long-term memory, messages after
// it are pending.
package sessions

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
)

// Session is one conversation's durable state.
type Session struct {
	Key              string              `json:"key"`
	Messages         []providers.Message `json:"messages"`
	LastConsolidated int                 `json:"last_consolidated"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
	Created          time.Time           `json:"created"`
	Updated          time.Time           `json:"updated"`
}

// SessionInfo is a lightweight descriptor for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	Pending      int       `json:"pending"`
	Updated      time.Time `json:"updated"`
}

// Manager owns the in-memory session map and its JSON snapshots on disk.
// All mutation goes through Manager methods; callers that need turn-level
// serialization (no two concurrent turns per session) hold their own
// per-session locks above this layer.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	storage  string
}

// NewManager loads existing snapshots from storage. Empty storage keeps
// everything in memory only.
func NewManager(storage string) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		storage:  storage,
	}
	if storage != "" {
		os.MkdirAll(storage, 0755)
		m.loadAll()
	}
	return m
}

// GetOrCreate ensures a session exists and returns it. The returned pointer
// is owned by the manager; mutate only through Manager methods.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(key)
}

func (m *Manager) getOrCreateLocked(key string) *Session {
	if s, ok := m.sessions[key]; ok {
		return s
	}
	now := time.Now()
	s := &Session{
		Key:      key,
		Messages: []providers.Message{},
		Created:  now,
		Updated:  now,
	}
	m.sessions[key] = s
	return s
}

// AddMessage appends one message to a session's history.
func (m *Manager) AddMessage(key string, msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now()
}

// AddMessages appends a batch of messages in order.
func (m *Manager) AddMessages(key string, msgs ...providers.Message) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	s.Messages = append(s.Messages, msgs...)
	s.Updated = time.Now()
}

// GetHistory returns a copy of the message history.
func (m *Manager) GetHistory(key string) []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// MessageCount returns how many messages the session holds.
func (m *Manager) MessageCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return len(s.Messages)
	}
	return 0
}

// LastConsolidated returns the consolidation cursor.
func (m *Manager) LastConsolidated(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key]; ok {
		return s.LastConsolidated
	}
	return 0
}

// PendingCount returns how many messages sit past the consolidation cursor.
func (m *Manager) PendingCount(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return 0
	}
	return len(s.Messages) - s.LastConsolidated
}

// Unconsolidated returns a copy of the messages past the cursor plus the
// index the cursor should advance to once they are archived. The index is
// captured at snapshot time so messages appended during archival stay
// pending.
func (m *Manager) Unconsolidated(key string) ([]providers.Message, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, 0
	}
	pending := s.Messages[s.LastConsolidated:]
	out := make([]providers.Message, len(pending))
	copy(out, pending)
	return out, len(s.Messages)
}

// AdvanceConsolidated moves the cursor forward to upto, clamped to the
// current history length. The cursor never moves backward.
func (m *Manager) AdvanceConsolidated(key string, upto int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	if upto > len(s.Messages) {
		upto = len(s.Messages)
	}
	if upto > s.LastConsolidated {
		s.LastConsolidated = upto
		s.Updated = time.Now()
	}
}

// Meta reads one metadata field.
func (m *Manager) Meta(key, field string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok || s.Metadata == nil {
		return "", false
	}
	v, ok := s.Metadata[field]
	return v, ok
}

// SetMeta writes one metadata field.
func (m *Manager) SetMeta(key, field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(key)
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[field] = value
	s.Updated = time.Now()
}

// DeleteMeta removes one metadata field.
func (m *Manager) DeleteMeta(key, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok || s.Metadata == nil {
		return
	}
	delete(s.Metadata, field)
	s.Updated = time.Now()
}

// Clear truncates the history and resets the consolidation cursor.
// Metadata (mode toggles, external session ids) survives the clear.
func (m *Manager) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return
	}
	s.Messages = []providers.Message{}
	s.LastConsolidated = 0
	s.Updated = time.Now()
}

// Delete removes a session and its snapshot file.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	if m.storage == "" {
		return nil
	}
	path := filepath.Join(m.storage, sanitizeFilename(key)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns descriptors for all sessions, sorted by key.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionInfo, 0, len(m.sessions))
	for key, s := range m.sessions {
		out = append(out, SessionInfo{
			Key:          key,
			MessageCount: len(s.Messages),
			Pending:      len(s.Messages) - s.LastConsolidated,
			Updated:      s.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Save persists one session to disk atomically: snapshot under the read
// lock, write to a temp file, fsync, rename over the target.
func (m *Manager) Save(key string) error {
	if m.storage == "" {
		return nil
	}

	m.mu.RLock()
	s, ok := m.sessions[key]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := Session{
		Key:              s.Key,
		LastConsolidated: s.LastConsolidated,
		Created:          s.Created,
		Updated:          s.Updated,
	}
	snapshot.Messages = make([]providers.Message, len(s.Messages))
	copy(snapshot.Messages, s.Messages)
	if len(s.Metadata) > 0 {
		snapshot.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			snapshot.Metadata[k] = v
		}
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}
	target := filepath.Join(m.storage, filename+".json")

	tmp, err := os.CreateTemp(m.storage, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, target); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (m *Manager) loadAll() {
	files, err := os.ReadDir(m.storage)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.storage, f.Name()))
		if err != nil {
			continue
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.Key == "" {
			continue
		}
		if s.LastConsolidated < 0 || s.LastConsolidated > len(s.Messages) {
			s.LastConsolidated = 0
		}
		m.sessions[s.Key] = &s
	}
}

// sanitizeFilename maps a session key to a flat filename. Keys use ":" as
// the separator, which is unsafe on some filesystems.
func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
