// Package store defines the session persistence interface and its
// database-backed implementation. Three backends exist: file (JSON
// snapshots via sessions.Manager), sqlite (pure-Go driver), and postgres.
// Backend selection happens in cmd based on config.
package store

import (
	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/sessions"
)

// Backend names accepted in config.database.backend.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// SessionStore manages conversation sessions. It mirrors sessions.Manager
// so the file backend is a straight pass-through; database backends keep a
// write-through cache and persist on Save.
type SessionStore interface {
	GetOrCreate(key string) *sessions.Session
	AddMessage(key string, msg providers.Message)
	AddMessages(key string, msgs ...providers.Message)
	GetHistory(key string) []providers.Message
	MessageCount(key string) int
	LastConsolidated(key string) int
	PendingCount(key string) int
	Unconsolidated(key string) ([]providers.Message, int)
	AdvanceConsolidated(key string, upto int)
	Meta(key, field string) (string, bool)
	SetMeta(key, field, value string)
	DeleteMeta(key, field string)
	Clear(key string)
	Delete(key string) error
	List() []sessions.SessionInfo
	Save(key string) error
	Close() error
}
