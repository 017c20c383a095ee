package grant

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"CipherRate/internal/storage"
)

// --- helpers ---

func testIdentity(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	return pub, priv
}

func testCache(t *testing.T) *Cache {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewCache(db)
}

func testContracts() [][32]byte {
	return [][32]byte{{3}, {1}, {2}}
}

// --- typed message ---

func TestContractSetIDOrderIndependent(t *testing.T) {
	a := ContractSetID([][32]byte{{1}, {2}, {3}})
	b := ContractSetID([][32]byte{{3}, {1}, {2}})

	if a != b {
		t.Error("contract set ID depends on ordering")
	}

	c := ContractSetID([][32]byte{{1}, {2}})
	if a == c {
		t.Error("different contract sets share an ID")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	pub, priv := testIdentity(t)

	keeper := NewKeeper(pub, NewKeySigner(priv), testCache(t))

	cached, err := keeper.Obtain(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("obtain grant: %v", err)
	}

	if err := cached.Verify(); err != nil {
		t.Fatalf("fresh grant does not verify: %v", err)
	}

	tampered := cached.Grant
	tampered.DurationDays++

	if err := tampered.Verify(); err != ErrBadSignature {
		t.Errorf("tampered grant verify = %v, want ErrBadSignature", err)
	}
}

func TestExpiryIsLazy(t *testing.T) {
	g := Grant{
		StartTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
		DurationDays:   7,
	}

	within := time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC)
	if g.Expired(within) {
		t.Error("grant expired inside its window")
	}

	after := time.Date(2026, 1, 8, 0, 0, 1, 0, time.UTC)
	if !g.Expired(after) {
		t.Error("grant still valid past its window")
	}
}

// --- keeper ---

func TestObtainReusesCachedGrant(t *testing.T) {
	pub, priv := testIdentity(t)
	cache := testCache(t)

	keeper := NewKeeper(pub, NewKeySigner(priv), cache)

	first, err := keeper.Obtain(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("first obtain: %v", err)
	}

	// A declining signer proves the second call never reaches signing.
	keeper.signer = DeclineSigner{}

	second, err := keeper.Obtain(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("second obtain: %v", err)
	}

	if first.Signature != second.Signature {
		t.Error("cached grant was not reused")
	}

	if first.EphemeralPriv != second.EphemeralPriv {
		t.Error("ephemeral private key not recovered from cache")
	}
}

func TestObtainResignsExpiredGrant(t *testing.T) {
	pub, priv := testIdentity(t)
	cache := testCache(t)

	keeper := NewKeeper(pub, NewKeySigner(priv), cache)

	past := time.Now().Add(-30 * 24 * time.Hour)
	keeper.now = func() time.Time { return past }

	stale, err := keeper.Obtain(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("obtain stale grant: %v", err)
	}

	keeper.now = time.Now

	fresh, err := keeper.Obtain(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("obtain fresh grant: %v", err)
	}

	if stale.Signature == fresh.Signature {
		t.Error("expired grant was reused instead of re-signed")
	}

	if fresh.Expired(time.Now()) {
		t.Error("re-signed grant is already expired")
	}
}

func TestObtainDeclined(t *testing.T) {
	pub, _ := testIdentity(t)
	cache := testCache(t)

	keeper := NewKeeper(pub, DeclineSigner{}, cache)

	_, err := keeper.Obtain(context.Background(), testContracts())
	if err != ErrSignatureDeclined {
		t.Fatalf("declined obtain = %v, want ErrSignatureDeclined", err)
	}

	// Nothing may be cached after a decline.
	var user [32]byte
	copy(user[:], pub)

	_, ok, err := cache.Lookup(user, ContractSetID(testContracts()))
	if err != nil {
		t.Fatalf("lookup after decline: %v", err)
	}
	if ok {
		t.Error("declined signing left a cache entry")
	}
}

// --- cache ---

func TestCacheRoundtrip(t *testing.T) {
	pub, priv := testIdentity(t)
	cache := testCache(t)

	keeper := NewKeeper(pub, NewKeySigner(priv), cache)

	stored, err := keeper.Obtain(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}

	loaded, ok, err := cache.Lookup(stored.User, ContractSetID(stored.Contracts))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatal("stored grant not found")
	}

	if loaded.Signature != stored.Signature {
		t.Error("signature changed across the cache")
	}
	if loaded.EphemeralPriv != stored.EphemeralPriv {
		t.Error("ephemeral private key changed across the cache")
	}
	if len(loaded.Contracts) != len(stored.Contracts) {
		t.Fatalf("contract count = %d, want %d", len(loaded.Contracts), len(stored.Contracts))
	}
	if err := loaded.Verify(); err != nil {
		t.Errorf("loaded grant does not verify: %v", err)
	}
}

func TestCacheLastWriterWins(t *testing.T) {
	pub, priv := testIdentity(t)
	cache := testCache(t)

	keeperA := NewKeeper(pub, NewKeySigner(priv), cache)
	keeperB := NewKeeper(pub, NewKeySigner(priv), cache)

	// Two sessions signing for the same set both store; the later store
	// is what a subsequent lookup returns.
	first, err := keeperA.sign(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("first sign: %v", err)
	}

	second, err := keeperB.sign(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}

	if first.EphemeralPub == second.EphemeralPub {
		t.Fatal("distinct sessions produced the same ephemeral key")
	}

	loaded, ok, err := cache.Lookup(first.User, ContractSetID(testContracts()))
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}

	if loaded.EphemeralPub != second.EphemeralPub {
		t.Error("lookup did not return the last stored grant")
	}
}

func TestObtainHealsCorruptCacheEntry(t *testing.T) {
	pub, priv := testIdentity(t)
	cache := testCache(t)

	keeper := NewKeeper(pub, NewKeySigner(priv), cache)

	var user [32]byte
	copy(user[:], pub)

	// Damage the stored entry directly; Obtain must sign fresh instead
	// of failing on the decode.
	key := cacheKey(user, ContractSetID(testContracts()))
	if err := cache.db.Set(key, []byte("not a grant")); err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}

	fresh, err := keeper.Obtain(context.Background(), testContracts())
	if err != nil {
		t.Fatalf("obtain over corrupt entry: %v", err)
	}
	if err := fresh.Verify(); err != nil {
		t.Errorf("replacement grant does not verify: %v", err)
	}

	// The replacement overwrote the damaged bytes.
	loaded, ok, err := cache.Lookup(user, ContractSetID(testContracts()))
	if err != nil || !ok {
		t.Fatalf("lookup after heal: ok=%v err=%v", ok, err)
	}
	if loaded.Signature != fresh.Signature {
		t.Error("healed cache does not hold the fresh grant")
	}
}
