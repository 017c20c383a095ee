package fhe

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"CipherRate/internal/storage"
)

// --- helpers ---

func newTestBackend(t *testing.T) *SealedBackend {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("create ciphertext store: %v", err)
	}

	backend, err := NewSealedBackend([32]byte{1, 2, 3}, store)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}

	return backend
}

func encrypt(t *testing.T, b *SealedBackend, value uint64, width UintType) Handle {
	t.Helper()

	h, err := b.TrivialEncrypt(value, width)
	if err != nil {
		t.Fatalf("encrypt %d: %v", value, err)
	}

	return h
}

func decrypt(t *testing.T, b *SealedBackend, h Handle) uint64 {
	t.Helper()

	value, _, err := b.Decrypt(h)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	return value
}

// --- arithmetic ---

func TestArithmetic(t *testing.T) {
	b := newTestBackend(t)

	a := encrypt(t, b, 11, Uint32)
	c := encrypt(t, b, 3, Uint32)

	sum, err := b.Add(a, c)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := decrypt(t, b, sum); got != 14 {
		t.Errorf("11+3 = %d", got)
	}

	product, err := b.Mul(a, c)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	if got := decrypt(t, b, product); got != 33 {
		t.Errorf("11*3 = %d", got)
	}

	lo, err := b.Min(a, c)
	if err != nil {
		t.Fatalf("min: %v", err)
	}
	if got := decrypt(t, b, lo); got != 3 {
		t.Errorf("min(11,3) = %d", got)
	}

	hi, err := b.Max(a, c)
	if err != nil {
		t.Fatalf("max: %v", err)
	}
	if got := decrypt(t, b, hi); got != 11 {
		t.Errorf("max(11,3) = %d", got)
	}
}

func TestScalarDivFloors(t *testing.T) {
	b := newTestBackend(t)

	h := encrypt(t, b, 1100, Uint32)

	q, err := b.ScalarDiv(h, 3)
	if err != nil {
		t.Fatalf("div: %v", err)
	}
	if got := decrypt(t, b, q); got != 366 {
		t.Errorf("floor(1100/3) = %d, want 366", got)
	}

	if _, err := b.ScalarDiv(h, 0); err == nil {
		t.Error("division by zero accepted")
	}
}

func TestAddWrapsAtWidth(t *testing.T) {
	b := newTestBackend(t)

	a := encrypt(t, b, 250, Uint8)
	c := encrypt(t, b, 10, Uint8)

	sum, err := b.Add(a, c)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := decrypt(t, b, sum); got != (250+10)&0xff {
		t.Errorf("wrapped sum = %d, want %d", got, (250+10)&0xff)
	}
}

func TestAddRejectsMixedWidths(t *testing.T) {
	b := newTestBackend(t)

	a := encrypt(t, b, 4, Uint8)
	c := encrypt(t, b, 4, Uint32)

	if _, err := b.Add(a, c); err != ErrTypeMismatch {
		t.Errorf("mixed-width add = %v, want ErrTypeMismatch", err)
	}
}

func TestCastWidens(t *testing.T) {
	b := newTestBackend(t)

	narrow := encrypt(t, b, 5, Uint8)

	wide, err := b.Cast(narrow, Uint32)
	if err != nil {
		t.Fatalf("cast: %v", err)
	}

	value, width, err := b.Decrypt(wide)
	if err != nil {
		t.Fatalf("decrypt cast: %v", err)
	}
	if value != 5 || width != Uint32 {
		t.Errorf("cast result (%d, %v), want (5, Uint32)", value, width)
	}
}

func TestFreshHandlesPerOperation(t *testing.T) {
	b := newTestBackend(t)

	h1 := encrypt(t, b, 7, Uint32)
	h2 := encrypt(t, b, 7, Uint32)

	if h1 == h2 {
		t.Error("same value produced the same handle twice")
	}

	if decrypt(t, b, h1) != decrypt(t, b, h2) {
		t.Error("equal values decrypt differently")
	}
}

func TestDecryptUnknownHandle(t *testing.T) {
	b := newTestBackend(t)

	_, _, err := b.Decrypt(Handle{1, 2, 3})
	if err != ErrHandleNotFound {
		t.Errorf("unknown handle = %v, want ErrHandleNotFound", err)
	}
}

// --- verified import ---

func TestVerifiedImport(t *testing.T) {
	b := newTestBackend(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var caller [32]byte
	copy(caller[:], pub)

	contract := [32]byte{9}

	external, err := EncryptExternal(b.NetworkPublicKey(), 4, Uint8)
	if err != nil {
		t.Fatalf("encrypt external: %v", err)
	}

	proof := ProveImport(priv, contract, external)

	h, width, err := b.VerifiedImport(external, proof, contract, caller)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if width != Uint8 {
		t.Errorf("imported width = %v, want Uint8", width)
	}
	if got := decrypt(t, b, h); got != 4 {
		t.Errorf("imported value = %d, want 4", got)
	}
}

func TestVerifiedImportRejections(t *testing.T) {
	b := newTestBackend(t)

	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	var caller [32]byte
	copy(caller[:], pub)

	contract := [32]byte{9}

	external, err := EncryptExternal(b.NetworkPublicKey(), 4, Uint8)
	if err != nil {
		t.Fatalf("encrypt external: %v", err)
	}

	// Proof bound to a different contract.
	wrongContract := ProveImport(priv, [32]byte{8}, external)
	if _, _, err := b.VerifiedImport(external, wrongContract, contract, caller); err != ErrInvalidProof {
		t.Errorf("wrong contract proof = %v, want ErrInvalidProof", err)
	}

	// Proof from a different signer than the claimed caller.
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	otherProof := ProveImport(otherPriv, contract, external)
	if _, _, err := b.VerifiedImport(external, otherProof, contract, caller); err != ErrInvalidProof {
		t.Errorf("foreign proof = %v, want ErrInvalidProof", err)
	}

	// Tampered ciphertext fails both signature and envelope checks.
	proof := ProveImport(priv, contract, external)
	tampered := append([]byte(nil), external...)
	tampered[len(tampered)-1] ^= 1
	if _, _, err := b.VerifiedImport(tampered, proof, contract, caller); err != ErrInvalidProof {
		t.Errorf("tampered external = %v, want ErrInvalidProof", err)
	}

	// Unsupported width tag.
	bad := append([]byte(nil), external...)
	bad[0] = 99
	badProof := ProveImport(priv, contract, bad)
	if _, _, err := b.VerifiedImport(bad, badProof, contract, caller); err != ErrTypeMismatch {
		t.Errorf("bad width tag = %v, want ErrTypeMismatch", err)
	}
}

// --- ecies ---

func TestSealToRoundtrip(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	plaintext := []byte("sealed payload")

	sealed, err := SealTo(pub, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	opened, err := OpenWith(priv, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Errorf("opened %q, want %q", opened, plaintext)
	}

	_, wrongPriv, _ := GenerateKeypair()
	if _, err := OpenWith(wrongPriv, sealed); err == nil {
		t.Error("envelope opened with the wrong key")
	}
}
