// Package acl tracks which principals may request decryption of which
// ciphertext handles. The relation is append-only: once granted, a
// permission is permanent for that (handle, principal) pair. Enforcement
// happens at the decryption-oracle boundary; this package is the single
// authoritative source the oracle consults.
package acl

import (
	"fmt"
	"sync"

	"CipherRate/internal/fhe"
	"CipherRate/internal/storage"
)

// aclPrefix is the storage key prefix for permission entries.
var aclPrefix = []byte("acl:")

// entryKey identifies one (handle, principal) permission.
type entryKey struct {
	handle    fhe.Handle
	principal [32]byte
}

// Manager holds the append-only allow relation, persisted in the node
// store and mirrored in memory for the oracle's read path.
type Manager struct {
	db   *storage.Store
	self [32]byte // self is the engine's own principal identity

	mu      sync.RWMutex
	entries map[entryKey]struct{}
}

// New creates a Manager for the given engine identity and loads any
// persisted permissions.
func New(db *storage.Store, self [32]byte) (*Manager, error) {
	m := &Manager{
		db:      db,
		self:    self,
		entries: make(map[entryKey]struct{}),
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("load acl:\n%w", err)
	}

	return m, nil
}

// load restores persisted permission entries into memory.
func (m *Manager) load() error {
	return m.db.IteratePrefix(aclPrefix, func(key, _ []byte) error {
		body := key[len(aclPrefix):]
		if len(body) != 64 {
			return nil
		}

		var e entryKey
		copy(e.handle[:], body[:32])
		copy(e.principal[:], body[32:])

		m.entries[e] = struct{}{}

		return nil
	})
}

// Self returns the engine's own principal identity.
func (m *Manager) Self() [32]byte {
	return m.self
}

// Allow grants a principal the right to request decryption of a handle.
// Idempotent; there is no revoke.
func (m *Manager) Allow(h fhe.Handle, principal [32]byte) error {
	if err := m.db.Set(Entry(h, principal).Key, []byte{1}); err != nil {
		return fmt.Errorf("persist acl entry:\n%w", err)
	}

	m.Apply(h, principal)

	return nil
}

// AllowThis grants the engine's own identity permission over a handle,
// required whenever the engine must keep operating on it across
// transitions.
func (m *Manager) AllowThis(h fhe.Handle) error {
	return m.Allow(h, m.self)
}

// IsAllowed reports whether the principal may request decryption of the
// handle.
func (m *Manager) IsAllowed(h fhe.Handle, principal [32]byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[entryKey{handle: h, principal: principal}]

	return ok
}

// Entry builds the storage pair for a permission, for callers that commit
// permissions atomically alongside other state in one batch. The caller
// must invoke Apply after the batch commits.
func Entry(h fhe.Handle, principal [32]byte) storage.KeyValue {
	key := make([]byte, 0, len(aclPrefix)+64)
	key = append(key, aclPrefix...)
	key = append(key, h[:]...)
	key = append(key, principal[:]...)

	return storage.KeyValue{Key: key, Value: []byte{1}}
}

// Apply records a permission in memory. Used after a batched commit that
// already persisted the entry.
func (m *Manager) Apply(h fhe.Handle, principal [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[entryKey{handle: h, principal: principal}] = struct{}{}
}
