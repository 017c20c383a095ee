// Package grant implements the decryption authorization protocol: the
// signed grant a user produces to authorize decryption requests against a
// set of engine instances, the interactive signer it is obtained through,
// and the persisted signature cache that avoids re-prompting for an
// already-covered contract set.
package grant

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/zeebo/blake3"
)

// messageDomain is the domain separation tag of the signed typed message.
const messageDomain = "cipherrate/grant/v1"

var (
	// ErrSignatureDeclined is returned when the user declines to sign a
	// grant message. Terminal: the operation fails without retry.
	ErrSignatureDeclined = errors.New("grant signature declined")

	// ErrGrantExpired is returned when a grant's validity window has
	// passed. The grant stays expired; a new one must be signed.
	ErrGrantExpired = errors.New("grant expired")

	// ErrBadSignature is returned when a grant's signature does not
	// verify against its typed message.
	ErrBadSignature = errors.New("grant signature invalid")
)

// Grant authorizes decryption requests: the user's signature over a typed
// message binding an ephemeral session key to a contract set and a
// validity window. The ephemeral private half never leaves the session
// that created it.
type Grant struct {
	User           [32]byte   // User is the granting Ed25519 identity
	Contracts      [][32]byte // Contracts is the covered set, sorted
	StartTimestamp int64      // StartTimestamp is the window start, unix seconds
	DurationDays   uint32     // DurationDays is the window length
	EphemeralPub   [32]byte   // EphemeralPub receives sealed decrypt results
	Signature      [64]byte   // Signature is the user's signature over Message
}

// SortContracts orders a contract set canonically, in place.
func SortContracts(contracts [][32]byte) {
	sort.Slice(contracts, func(i, j int) bool {
		return bytes.Compare(contracts[i][:], contracts[j][:]) < 0
	})
}

// ContractSetID derives the cache key component for a contract set. The
// set is hashed in sorted order, so any ordering of the same contracts
// yields the same ID.
func ContractSetID(contracts [][32]byte) [32]byte {
	sorted := make([][32]byte, len(contracts))
	copy(sorted, contracts)
	SortContracts(sorted)

	h := blake3.New()
	for _, c := range sorted {
		h.Write(c[:])
	}

	var id [32]byte
	h.Sum(id[:0])

	return id
}

// Message encodes the grant's typed message canonically. Contracts must
// already be sorted; the encoding is what the user signs and what
// verifiers reconstruct.
func (g *Grant) Message() []byte {
	size := len(messageDomain) + 32 + 4 + 32*len(g.Contracts) + 8 + 4

	msg := make([]byte, 0, size)
	msg = append(msg, messageDomain...)
	msg = append(msg, g.EphemeralPub[:]...)

	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(g.Contracts)))
	for _, c := range g.Contracts {
		msg = append(msg, c[:]...)
	}

	msg = binary.LittleEndian.AppendUint64(msg, uint64(g.StartTimestamp))
	msg = binary.LittleEndian.AppendUint32(msg, g.DurationDays)

	return msg
}

// Digest returns the blake3 digest of the typed message.
func (g *Grant) Digest() [32]byte {
	return blake3.Sum256(g.Message())
}

// Verify checks the grant's signature against its typed message.
func (g *Grant) Verify() error {
	digest := g.Digest()
	if !ed25519.Verify(g.User[:], digest[:], g.Signature[:]) {
		return ErrBadSignature
	}

	return nil
}

// ExpiresAt returns the end of the grant's validity window.
func (g *Grant) ExpiresAt() time.Time {
	return time.Unix(g.StartTimestamp, 0).Add(time.Duration(g.DurationDays) * 24 * time.Hour)
}

// Expired reports whether the grant's window has passed at the given
// time. Evaluated lazily at use time; nothing transitions a grant
// eagerly.
func (g *Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt())
}

// Covers reports whether the grant's contract set includes the contract.
func (g *Grant) Covers(contract [32]byte) bool {
	for _, c := range g.Contracts {
		if c == contract {
			return true
		}
	}

	return false
}
