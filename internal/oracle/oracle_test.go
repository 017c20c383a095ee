package oracle

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"CipherRate/internal/acl"
	"CipherRate/internal/fhe"
	"CipherRate/internal/grant"
	"CipherRate/internal/storage"
)

// --- helpers ---

type testEnv struct {
	oracle   *Oracle
	backend  *fhe.SealedBackend
	acl      *acl.Manager
	keeper   *grant.Keeper
	user     [32]byte
	contract [32]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctStore, err := fhe.NewStore(db)
	if err != nil {
		t.Fatalf("create ciphertext store: %v", err)
	}

	backend, err := fhe.NewSealedBackend([32]byte{9}, ctStore)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}

	contract := [32]byte{1}

	aclMgr, err := acl.New(db, contract)
	if err != nil {
		t.Fatalf("create acl: %v", err)
	}

	_, nodePriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}

	keys, err := DeriveFromED25519(nodePriv)
	if err != nil {
		t.Fatalf("derive bls key: %v", err)
	}

	userPub, userPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}

	env := &testEnv{
		oracle:   New(backend, aclMgr, keys),
		backend:  backend,
		acl:      aclMgr,
		keeper:   grant.NewKeeper(userPub, grant.NewKeySigner(userPriv), grant.NewCache(db)),
		contract: contract,
	}
	copy(env.user[:], userPub)

	return env
}

// grantedHandle encrypts a value and grants the test user access to it.
func (env *testEnv) grantedHandle(t *testing.T, value uint64) fhe.Handle {
	t.Helper()

	h, err := env.backend.TrivialEncrypt(value, fhe.Uint32)
	if err != nil {
		t.Fatalf("encrypt %d: %v", value, err)
	}

	if err := env.acl.Allow(h, env.user); err != nil {
		t.Fatalf("allow: %v", err)
	}

	return h
}

func (env *testEnv) obtainGrant(t *testing.T) *grant.Cached {
	t.Helper()

	g, err := env.keeper.Obtain(context.Background(), [][32]byte{env.contract})
	if err != nil {
		t.Fatalf("obtain grant: %v", err)
	}

	return g
}

// --- decrypt ---

func TestDecryptSealsToEphemeralKey(t *testing.T) {
	env := newTestEnv(t)

	h := env.grantedHandle(t, 366)
	g := env.obtainGrant(t)

	results, attestation, err := env.oracle.Decrypt(Request{
		Grant: g.Grant,
		Pairs: []Pair{{Handle: h, Contract: env.contract}},
	})
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("result count = %d, want 1", len(results))
	}
	if results[0].Handle != h {
		t.Error("result handle does not match request")
	}

	value, width, err := OpenResult(g.EphemeralPriv, results[0].Sealed)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	if value != 366 || width != fhe.Uint32 {
		t.Errorf("opened (%d, %v), want (366, Uint32)", value, width)
	}

	digest := ResultDigest(results)
	if !VerifyAttestation(attestation, digest[:], env.oracle.PublicKeyBytes()) {
		t.Error("attestation does not verify")
	}

	// Only the ephemeral key holder can open the result.
	_, wrongPriv, _ := fhe.GenerateKeypair()
	if _, _, err := OpenResult(wrongPriv, results[0].Sealed); err == nil {
		t.Error("result opened with the wrong key")
	}
}

func TestDecryptRejectsUngrantedHandle(t *testing.T) {
	env := newTestEnv(t)

	granted := env.grantedHandle(t, 5)

	// Valid handle, valid grant, no ACL entry for this user.
	ungranted, err := env.backend.TrivialEncrypt(7, fhe.Uint32)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	g := env.obtainGrant(t)

	_, _, err = env.oracle.Decrypt(Request{
		Grant: g.Grant,
		Pairs: []Pair{
			{Handle: granted, Contract: env.contract},
			{Handle: ungranted, Contract: env.contract},
		},
	})
	if err != ErrUnauthorized {
		t.Fatalf("decrypt = %v, want ErrUnauthorized", err)
	}
}

func TestDecryptRejectsUncoveredContract(t *testing.T) {
	env := newTestEnv(t)

	h := env.grantedHandle(t, 5)
	g := env.obtainGrant(t)

	_, _, err := env.oracle.Decrypt(Request{
		Grant: g.Grant,
		Pairs: []Pair{{Handle: h, Contract: [32]byte{99}}},
	})
	if err != ErrUnauthorized {
		t.Fatalf("decrypt = %v, want ErrUnauthorized", err)
	}
}

func TestDecryptRejectsExpiredGrant(t *testing.T) {
	env := newTestEnv(t)

	h := env.grantedHandle(t, 5)
	g := env.obtainGrant(t)

	env.oracle.now = func() time.Time {
		return g.ExpiresAt().Add(time.Second)
	}

	_, _, err := env.oracle.Decrypt(Request{
		Grant: g.Grant,
		Pairs: []Pair{{Handle: h, Contract: env.contract}},
	})
	if err != grant.ErrGrantExpired {
		t.Fatalf("decrypt = %v, want ErrGrantExpired", err)
	}
}

func TestDecryptRejectsTamperedGrant(t *testing.T) {
	env := newTestEnv(t)

	h := env.grantedHandle(t, 5)
	g := env.obtainGrant(t)

	tampered := g.Grant
	tampered.DurationDays += 30

	_, _, err := env.oracle.Decrypt(Request{
		Grant: tampered,
		Pairs: []Pair{{Handle: h, Contract: env.contract}},
	})
	if err != grant.ErrBadSignature {
		t.Fatalf("decrypt = %v, want ErrBadSignature", err)
	}
}

// --- wire ---

func TestHandlerRoundtrip(t *testing.T) {
	env := newTestEnv(t)

	h := env.grantedHandle(t, 400)
	g := env.obtainGrant(t)

	req := Request{
		Grant: g.Grant,
		Pairs: []Pair{{Handle: h, Contract: env.contract}},
	}

	handler := env.oracle.Handler()

	buf, err := handler(env.user[:], EncodeRequest(req))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	results, attestation, err := DecodeResponse(buf)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("result count = %d, want 1", len(results))
	}

	value, _, err := OpenResult(g.EphemeralPriv, results[0].Sealed)
	if err != nil {
		t.Fatalf("open result: %v", err)
	}
	if value != 400 {
		t.Errorf("value = %d, want 400", value)
	}

	digest := ResultDigest(results)
	if !VerifyAttestation(attestation, digest[:], env.oracle.PublicKeyBytes()) {
		t.Error("attestation does not verify after the wire roundtrip")
	}
}

func TestHandlerErrorCode(t *testing.T) {
	env := newTestEnv(t)

	ungranted, err := env.backend.TrivialEncrypt(7, fhe.Uint32)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	g := env.obtainGrant(t)

	req := Request{
		Grant: g.Grant,
		Pairs: []Pair{{Handle: ungranted, Contract: env.contract}},
	}

	buf, err := env.oracle.Handler()(env.user[:], EncodeRequest(req))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	_, _, err = DecodeResponse(buf)
	if err != ErrUnauthorized {
		t.Fatalf("decoded error = %v, want ErrUnauthorized", err)
	}
}

func TestHandlerMalformedRequest(t *testing.T) {
	env := newTestEnv(t)

	handler := env.oracle.Handler()

	// Truncated, undersized and garbage buffers must all come back as
	// error responses; none may escape as a panic.
	for _, raw := range [][]byte{
		nil,
		{0x01},
		{0xff, 0xff, 0xff, 0xff},
		bytes.Repeat([]byte{0xaa}, 64),
	} {
		buf, err := handler(env.user[:], raw)
		if err != nil {
			t.Fatalf("handler on %d garbage bytes: %v", len(raw), err)
		}

		if _, _, err := DecodeResponse(buf); err == nil {
			t.Errorf("garbage request of %d bytes produced a success response", len(raw))
		}
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	for _, raw := range [][]byte{{0x02}, bytes.Repeat([]byte{0xee}, 32)} {
		if _, _, err := DecodeResponse(raw); err == nil {
			t.Errorf("garbage response of %d bytes decoded without error", len(raw))
		}
	}
}
