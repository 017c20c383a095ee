package grant

import (
	"encoding/binary"
	"fmt"

	"CipherRate/internal/logger"
	"CipherRate/internal/storage"
)

// cachePrefix is the storage key prefix for cached grant entries.
var cachePrefix = []byte("grant:")

// Cached is a grant together with the session-held ephemeral private key.
// The private key exists only in the local, user-owned cache store; it is
// never part of the wire grant.
type Cached struct {
	Grant
	EphemeralPriv [32]byte
}

// Cache persists signed grants keyed by (user, contract-set ID). Lookup
// is side-effect-free; Store overwrites unconditionally, so concurrent
// sessions racing on the same key resolve last-writer-wins, which is safe
// because every stored entry is independently valid.
type Cache struct {
	db *storage.Store
}

// NewCache creates a cache over the given store.
func NewCache(db *storage.Store) *Cache {
	return &Cache{db: db}
}

// Lookup returns the cached grant for (user, setID), or false if none is
// stored. Expiry is not evaluated here; callers check at use time. An
// entry that no longer decodes counts as a miss, so the next signing
// round overwrites it instead of the damage pinning the key forever.
func (c *Cache) Lookup(user, setID [32]byte) (*Cached, bool, error) {
	raw, err := c.db.Get(cacheKey(user, setID))
	if err != nil {
		return nil, false, fmt.Errorf("read cached grant:\n%w", err)
	}

	if raw == nil {
		return nil, false, nil
	}

	cached, err := decodeCached(raw)
	if err != nil {
		logger.Warn("dropping unreadable cached grant",
			"user", fmt.Sprintf("%x", user[:8]),
			"error", err,
		)
		return nil, false, nil
	}

	return cached, true, nil
}

// Store persists a signed grant, replacing any previous entry for the
// same (user, contract-set) key.
func (c *Cache) Store(cached *Cached) error {
	setID := ContractSetID(cached.Contracts)

	if err := c.db.Set(cacheKey(cached.User, setID), encodeCached(cached)); err != nil {
		return fmt.Errorf("persist cached grant:\n%w", err)
	}

	return nil
}

// cacheKey builds the storage key for a (user, contract-set) entry.
func cacheKey(user, setID [32]byte) []byte {
	key := make([]byte, 0, len(cachePrefix)+64)
	key = append(key, cachePrefix...)
	key = append(key, user[:]...)
	key = append(key, setID[:]...)

	return key
}

// Cached entry layout: user(32) || ephPub(32) || ephPriv(32) || sig(64) ||
// start(8 LE) || durationDays(4 LE) || count(4 LE) || contracts(32 each).

// encodeCached serializes a cached grant.
func encodeCached(c *Cached) []byte {
	size := 32 + 32 + 32 + 64 + 8 + 4 + 4 + 32*len(c.Contracts)

	out := make([]byte, 0, size)
	out = append(out, c.User[:]...)
	out = append(out, c.EphemeralPub[:]...)
	out = append(out, c.EphemeralPriv[:]...)
	out = append(out, c.Signature[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(c.StartTimestamp))
	out = binary.LittleEndian.AppendUint32(out, c.DurationDays)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(c.Contracts)))

	for _, contract := range c.Contracts {
		out = append(out, contract[:]...)
	}

	return out
}

// decodeCached deserializes a cached grant.
func decodeCached(raw []byte) (*Cached, error) {
	const header = 32 + 32 + 32 + 64 + 8 + 4 + 4

	if len(raw) < header {
		return nil, fmt.Errorf("cached grant too short: %d bytes", len(raw))
	}

	c := &Cached{}
	copy(c.User[:], raw[:32])
	copy(c.EphemeralPub[:], raw[32:64])
	copy(c.EphemeralPriv[:], raw[64:96])
	copy(c.Signature[:], raw[96:160])
	c.StartTimestamp = int64(binary.LittleEndian.Uint64(raw[160:168]))
	c.DurationDays = binary.LittleEndian.Uint32(raw[168:172])

	count := binary.LittleEndian.Uint32(raw[172:176])
	if len(raw) != header+32*int(count) {
		return nil, fmt.Errorf("cached grant contract section malformed")
	}

	c.Contracts = make([][32]byte, count)
	for i := range c.Contracts {
		copy(c.Contracts[i][:], raw[header+32*i:])
	}

	return c, nil
}
