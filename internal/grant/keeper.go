package grant

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"CipherRate/internal/fhe"
	"CipherRate/internal/logger"
)

// defaultDurationDays is the validity window requested for new grants.
const defaultDurationDays = 7

// Keeper drives the per-(user, contract-set) grant lifecycle: it reuses a
// cached unexpired grant when one exists, and otherwise runs one signing
// round through the Signer and caches the result. An expired cached grant
// is treated exactly like a missing one.
type Keeper struct {
	user   [32]byte
	signer Signer
	cache  *Cache

	durationDays uint32
	now          func() time.Time // now is replaceable for expiry tests
}

// NewKeeper creates a Keeper for one user identity.
func NewKeeper(pub ed25519.PublicKey, signer Signer, cache *Cache) *Keeper {
	k := &Keeper{
		signer:       signer,
		cache:        cache,
		durationDays: defaultDurationDays,
		now:          time.Now,
	}
	copy(k.user[:], pub)

	return k
}

// Obtain returns a valid grant covering the contract set, signing a new
// one if the cache holds nothing usable. A declined signature surfaces as
// ErrSignatureDeclined and nothing is cached.
func (k *Keeper) Obtain(ctx context.Context, contracts [][32]byte) (*Cached, error) {
	setID := ContractSetID(contracts)

	cached, ok, err := k.cache.Lookup(k.user, setID)
	if err != nil {
		return nil, err
	}

	if ok && !cached.Expired(k.now()) {
		return cached, nil
	}

	if ok {
		logger.Debug("cached grant expired, requesting new signature",
			"user", fmt.Sprintf("%x", k.user[:8]),
			"expired_at", cached.ExpiresAt(),
		)
	}

	return k.sign(ctx, contracts)
}

// sign runs one signing round: build the grant, obtain the user's
// signature, cache and return it.
func (k *Keeper) sign(ctx context.Context, contracts [][32]byte) (*Cached, error) {
	ephPub, ephPriv, err := fhe.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair:\n%w", err)
	}

	sorted := make([][32]byte, len(contracts))
	copy(sorted, contracts)
	SortContracts(sorted)

	cached := &Cached{
		Grant: Grant{
			User:           k.user,
			Contracts:      sorted,
			StartTimestamp: k.now().Unix(),
			DurationDays:   k.durationDays,
			EphemeralPub:   ephPub,
		},
		EphemeralPriv: ephPriv,
	}

	sig, err := k.signer.Sign(ctx, cached.Message())
	if err != nil {
		return nil, err
	}
	cached.Signature = sig

	if err := cached.Verify(); err != nil {
		return nil, fmt.Errorf("signer produced unusable signature:\n%w", err)
	}

	if err := k.cache.Store(cached); err != nil {
		return nil, err
	}

	return cached, nil
}
