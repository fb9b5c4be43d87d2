// Package file adapts sessions.Manager to the store.SessionStore interface.
package file

import (
	"github.com/nextlevelbuilder/kestrel/internal/providers"
	"github.com/nextlevelbuilder/kestrel/internal/sessions"
	"github.com/nextlevelbuilder/kestrel/internal/store"
)

// SessionStore wraps a sessions.Manager. Everything is a pass-through; the
// manager already persists JSON snapshots atomically.
type SessionStore struct {
	mgr *sessions.Manager
}

var _ store.SessionStore = (*SessionStore)(nil)

func New(mgr *sessions.Manager) *SessionStore {
	return &SessionStore{mgr: mgr}
}

// Manager exposes the underlying manager for callers that need it directly.
func (f *SessionStore) Manager() *sessions.Manager { return f.mgr }

func (f *SessionStore) GetOrCreate(key string) *sessions.Session { return f.mgr.GetOrCreate(key) }

func (f *SessionStore) AddMessage(key string, msg providers.Message) { f.mgr.AddMessage(key, msg) }

func (f *SessionStore) AddMessages(key string, msgs ...providers.Message) {
	f.mgr.AddMessages(key, msgs...)
}

func (f *SessionStore) GetHistory(key string) []providers.Message { return f.mgr.GetHistory(key) }

func (f *SessionStore) MessageCount(key string) int { return f.mgr.MessageCount(key) }

func (f *SessionStore) LastConsolidated(key string) int { return f.mgr.LastConsolidated(key) }

func (f *SessionStore) PendingCount(key string) int { return f.mgr.PendingCount(key) }

func (f *SessionStore) Unconsolidated(key string) ([]providers.Message, int) {
	return f.mgr.Unconsolidated(key)
}

func (f *SessionStore) AdvanceConsolidated(key string, upto int) {
	f.mgr.AdvanceConsolidated(key, upto)
}

func (f *SessionStore) Meta(key, field string) (string, bool) { return f.mgr.Meta(key, field) }

func (f *SessionStore) SetMeta(key, field, value string) { f.mgr.SetMeta(key, field, value) }

func (f *SessionStore) DeleteMeta(key, field string) { f.mgr.DeleteMeta(key, field) }

func (f *SessionStore) Clear(key string) { f.mgr.Clear(key) }

func (f *SessionStore) Delete(key string) error { return f.mgr.Delete(key) }

func (f *SessionStore) List() []sessions.SessionInfo { return f.mgr.List() }

func (f *SessionStore) Save(key string) error { return f.mgr.Save(key) }

func (f *SessionStore) Close() error { return nil }
