package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/sessions"
)

// Queries holds the dialect-specific SQL for a database backend. The column
// set is fixed; only placeholder syntax and JSON column types differ.
type Queries struct {
	Select string // session_key → messages, last_consolidated, metadata, created_at, updated_at
	Upsert string // session_key, messages, last_consolidated, metadata, created_at, updated_at
	Delete string // session_key
	List   string // → session_key, messages, last_consolidated, updated_at
}

// DBSessionStore implements SessionStore over database/sql with an
// in-memory cache for hot sessions. Mutations hit the cache; Save writes
// the row through. This mirrors the file backend's semantics where the
// dispatcher saves at turn boundaries.
type DBSessionStore struct {
	db    *sql.DB
	q     Queries
	mu    sync.RWMutex
	cache map[string]*sessions.Session
}

// NewDBSessionStore wraps an open database handle. The schema must already
// be migrated.
func NewDBSessionStore(db *sql.DB, q Queries) *DBSessionStore {
	return &DBSessionStore{
		db:    db,
		q:     q,
		cache: make(map[string]*sessions.Session),
	}
}

func (s *DBSessionStore) GetOrCreate(key string) *sessions.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrLoadLocked(key)
}

// getOrLoadLocked returns the cached session, falling back to a database
// read, falling back to a fresh session. Caller holds the write lock.
func (s *DBSessionStore) getOrLoadLocked(key string) *sessions.Session {
	if cached, ok := s.cache[key]; ok {
		return cached
	}
	if loaded := s.loadRow(key); loaded != nil {
		s.cache[key] = loaded
		return loaded
	}
	now := time.Now()
	fresh := &sessions.Session{
		Key:      key,
		Messages: []providers.Message{},
		Created:  now,
		Updated:  now,
	}
	s.cache[key] = fresh
	return fresh
}

func (s *DBSessionStore) loadRow(key string) *sessions.Session {
	var msgsJSON, metaJSON []byte
	var lastConsolidated int
	var created, updated time.Time
	err := s.db.QueryRow(s.q.Select, key).Scan(&msgsJSON, &lastConsolidated, &metaJSON, &created, &updated)
	if err != nil {
		return nil
	}

	sess := &sessions.Session{
		Key:              key,
		Messages:         []providers.Message{},
		LastConsolidated: lastConsolidated,
		Created:          created,
		Updated:          updated,
	}
	if len(msgsJSON) > 0 {
		json.Unmarshal(msgsJSON, &sess.Messages)
	}
	if len(metaJSON) > 0 {
		json.Unmarshal(metaJSON, &sess.Metadata)
	}
	if sess.LastConsolidated < 0 || sess.LastConsolidated > len(sess.Messages) {
		sess.LastConsolidated = 0
	}
	return sess
}

func (s *DBSessionStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	sess.Messages = append(sess.Messages, msg)
	sess.Updated = time.Now()
}

func (s *DBSessionStore) AddMessages(key string, msgs ...providers.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	sess.Messages = append(sess.Messages, msgs...)
	sess.Updated = time.Now()
}

func (s *DBSessionStore) GetHistory(key string) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	msgs := make([]providers.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

func (s *DBSessionStore) MessageCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.getOrLoadLocked(key).Messages)
}

func (s *DBSessionStore) LastConsolidated(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrLoadLocked(key).LastConsolidated
}

func (s *DBSessionStore) PendingCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	return len(sess.Messages) - sess.LastConsolidated
}

func (s *DBSessionStore) Unconsolidated(key string) ([]providers.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	pending := sess.Messages[sess.LastConsolidated:]
	out := make([]providers.Message, len(pending))
	copy(out, pending)
	return out, len(sess.Messages)
}

func (s *DBSessionStore) AdvanceConsolidated(key string, upto int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	if upto > len(sess.Messages) {
		upto = len(sess.Messages)
	}
	if upto > sess.LastConsolidated {
		sess.LastConsolidated = upto
		sess.Updated = time.Now()
	}
}

func (s *DBSessionStore) Meta(key, field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	if sess.Metadata == nil {
		return "", false
	}
	v, ok := sess.Metadata[field]
	return v, ok
}

func (s *DBSessionStore) SetMeta(key, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string)
	}
	sess.Metadata[field] = value
	sess.Updated = time.Now()
}

func (s *DBSessionStore) DeleteMeta(key, field string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	if sess.Metadata == nil {
		return
	}
	delete(sess.Metadata, field)
	sess.Updated = time.Now()
}

func (s *DBSessionStore) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrLoadLocked(key)
	sess.Messages = []providers.Message{}
	sess.LastConsolidated = 0
	sess.Updated = time.Now()
}

func (s *DBSessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	_, err := s.db.Exec(s.q.Delete, key)
	return err
}

// List reads descriptors from the database. Cache entries never saved are
// merged in so freshly created sessions show up too.
func (s *DBSessionStore) List() []sessions.SessionInfo {
	seen := make(map[string]bool)
	var out []sessions.SessionInfo

	rows, err := s.db.Query(s.q.List)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var key string
			var msgsJSON []byte
			var lastConsolidated int
			var updated time.Time
			if err := rows.Scan(&key, &msgsJSON, &lastConsolidated, &updated); err != nil {
				continue
			}
			var msgs []providers.Message
			json.Unmarshal(msgsJSON, &msgs)
			out = append(out, sessions.SessionInfo{
				Key:          key,
				MessageCount: len(msgs),
				Pending:      len(msgs) - lastConsolidated,
				Updated:      updated,
			})
			seen[key] = true
		}
	}

	s.mu.RLock()
	for key, sess := range s.cache {
		if seen[key] {
			continue
		}
		out = append(out, sessions.SessionInfo{
			Key:          key,
			MessageCount: len(sess.Messages),
			Pending:      len(sess.Messages) - sess.LastConsolidated,
			Updated:      sess.Updated,
		})
	}
	s.mu.RUnlock()
	return out
}

func (s *DBSessionStore) Save(key string) error {
	s.mu.RLock()
	sess, ok := s.cache[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *sess
	snapshot.Messages = make([]providers.Message, len(sess.Messages))
	copy(snapshot.Messages, sess.Messages)
	if len(sess.Metadata) > 0 {
		snapshot.Metadata = make(map[string]string, len(sess.Metadata))
		for k, v := range sess.Metadata {
			snapshot.Metadata[k] = v
		}
	}
	s.mu.RUnlock()

	msgsJSON, err := json.Marshal(snapshot.Messages)
	if err != nil {
		return err
	}
	var metaJSON []byte
	if len(snapshot.Metadata) > 0 {
		metaJSON, err = json.Marshal(snapshot.Metadata)
		if err != nil {
			return err
		}
	}

	_, err = s.db.Exec(s.q.Upsert,
		key, msgsJSON, snapshot.LastConsolidated, metaJSON, snapshot.Created, snapshot.Updated)
	return err
}

func (s *DBSessionStore) Close() error {
	return s.db.Close()
}
