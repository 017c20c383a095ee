package fhe

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Key derivation domain tags. Both node-side keys derive from one seed so a
// single key file configures the whole arithmetic layer.
const (
	sealKeyDomain   = "cipherrate/seal-key/v1"
	importKeyDomain = "cipherrate/import-key/v1"
)

// Internal ciphertext layout: 1-byte width tag || 12-byte nonce || AEAD box
// over the 8-byte little-endian value, with the width tag as AAD.
const (
	sealedHeaderSize = 1 + chacha20poly1305.NonceSize
	sealedValueSize  = 8
)

// SealedBackend is a reference implementation of the Backend contract.
// Values are sealed under a node-held key and only ever exist in cleartext
// inside this boundary; callers hold handles. It stands in for an external
// homomorphic coprocessor and matches its observable semantics: fixed-width
// wrapping arithmetic, floor division, fresh handles per operation.
type SealedBackend struct {
	aead       cipher.AEAD // aead seals internal ciphertexts
	importPriv [32]byte    // importPriv is the X25519 key for verified imports
	importPub  [32]byte    // importPub is published for external encryption
	store      *Store      // store persists ciphertexts by handle
}

// NewSealedBackend derives the sealing and import keys from seed and
// returns a backend persisting ciphertexts in store.
func NewSealedBackend(seed [32]byte, store *Store) (*SealedBackend, error) {
	aead, err := chacha20poly1305.New(deriveKey(sealKeyDomain, seed))
	if err != nil {
		return nil, fmt.Errorf("init sealing key:\n%w", err)
	}

	b := &SealedBackend{aead: aead, store: store}
	copy(b.importPriv[:], deriveKey(importKeyDomain, seed))

	b.importPub, err = DeriveNetworkKey(seed)
	if err != nil {
		return nil, err
	}

	return b, nil
}

// DeriveNetworkKey returns the X25519 public key external submitters
// encrypt to, for the import key derived from seed. Any backend built
// from the same seed accepts submissions addressed to this key.
func DeriveNetworkKey(seed [32]byte) ([32]byte, error) {
	var priv, pub [32]byte
	copy(priv[:], deriveKey(importKeyDomain, seed))

	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("derive import public key:\n%w", err)
	}
	copy(pub[:], pubSlice)

	return pub, nil
}

// deriveKey derives a 32-byte key from the seed under a domain tag.
func deriveKey(domain string, seed [32]byte) []byte {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write(seed[:])

	key := make([]byte, 32)
	h.Sum(key[:0])

	return key
}

// NetworkPublicKey returns the X25519 public key external submitters
// encrypt their scores to.
func (b *SealedBackend) NetworkPublicKey() [32]byte {
	return b.importPub
}

// Add returns a handle to a+b, wrapping at the shared width.
func (b *SealedBackend) Add(a, c Handle) (Handle, error) {
	return b.binaryOp(a, c, func(x, y uint64) uint64 { return x + y })
}

// Mul returns a handle to a*b, wrapping at the shared width.
func (b *SealedBackend) Mul(a, c Handle) (Handle, error) {
	return b.binaryOp(a, c, func(x, y uint64) uint64 { return x * y })
}

// Min returns a handle to min(a, b).
func (b *SealedBackend) Min(a, c Handle) (Handle, error) {
	return b.binaryOp(a, c, func(x, y uint64) uint64 {
		if x < y {
			return x
		}
		return y
	})
}

// Max returns a handle to max(a, b).
func (b *SealedBackend) Max(a, c Handle) (Handle, error) {
	return b.binaryOp(a, c, func(x, y uint64) uint64 {
		if x > y {
			return x
		}
		return y
	})
}

// binaryOp unseals both operands, applies fn and seals the result at the
// operands' shared width.
func (b *SealedBackend) binaryOp(a, c Handle, fn func(x, y uint64) uint64) (Handle, error) {
	x, tx, err := b.Decrypt(a)
	if err != nil {
		return Handle{}, err
	}

	y, ty, err := b.Decrypt(c)
	if err != nil {
		return Handle{}, err
	}

	if tx != ty {
		return Handle{}, ErrTypeMismatch
	}

	return b.seal(fn(x, y)&tx.Mask(), tx)
}

// ScalarDiv returns a handle to a/divisor with floor-toward-zero semantics.
func (b *SealedBackend) ScalarDiv(a Handle, divisor uint64) (Handle, error) {
	if divisor == 0 {
		return Handle{}, fmt.Errorf("division by zero scalar")
	}

	x, t, err := b.Decrypt(a)
	if err != nil {
		return Handle{}, err
	}

	// Unsigned integer division already floors toward zero.
	return b.seal((x/divisor)&t.Mask(), t)
}

// Cast returns a handle to a re-encoded at the target width.
func (b *SealedBackend) Cast(a Handle, to UintType) (Handle, error) {
	if !to.Valid() {
		return Handle{}, ErrTypeMismatch
	}

	x, _, err := b.Decrypt(a)
	if err != nil {
		return Handle{}, err
	}

	return b.seal(x&to.Mask(), to)
}

// TrivialEncrypt returns a handle to a freshly encrypted constant.
// Each call produces a distinct ciphertext and handle.
func (b *SealedBackend) TrivialEncrypt(value uint64, t UintType) (Handle, error) {
	if !t.Valid() {
		return Handle{}, ErrTypeMismatch
	}

	return b.seal(value&t.Mask(), t)
}

// VerifiedImport verifies an external ciphertext and its proof, then
// re-seals the value internally. The proof is an Ed25519 signature by the
// caller over the import digest, binding the submission to both the
// contract and the submitting caller.
func (b *SealedBackend) VerifiedImport(external, proof []byte, contract, caller [32]byte) (Handle, UintType, error) {
	if len(external) < 1+32+chacha20poly1305.NonceSize {
		return Handle{}, 0, ErrInvalidProof
	}

	t := UintType(external[0])
	if !t.Valid() {
		return Handle{}, 0, ErrTypeMismatch
	}

	digest := ImportDigest(contract, external)
	if !ed25519.Verify(caller[:], digest[:], proof) {
		return Handle{}, 0, ErrInvalidProof
	}

	envelope, err := OpenWith(b.importPriv, external[1:])
	if err != nil {
		return Handle{}, 0, ErrInvalidProof
	}

	if len(envelope) != sealedValueSize {
		return Handle{}, 0, ErrInvalidProof
	}

	value := binary.LittleEndian.Uint64(envelope) & t.Mask()

	h, err := b.seal(value, t)
	if err != nil {
		return Handle{}, 0, err
	}

	return h, t, nil
}

// Decrypt unseals a handle's ciphertext and returns the value and width.
func (b *SealedBackend) Decrypt(h Handle) (uint64, UintType, error) {
	ciphertext, err := b.store.Get(h)
	if err != nil {
		return 0, 0, err
	}

	if len(ciphertext) < sealedHeaderSize {
		return 0, 0, fmt.Errorf("sealed ciphertext too short: %d bytes", len(ciphertext))
	}

	t := UintType(ciphertext[0])
	if !t.Valid() {
		return 0, 0, ErrTypeMismatch
	}

	nonce := ciphertext[1:sealedHeaderSize]

	plaintext, err := b.aead.Open(nil, nonce, ciphertext[sealedHeaderSize:], ciphertext[:1])
	if err != nil {
		return 0, 0, fmt.Errorf("unseal ciphertext:\n%w", err)
	}

	if len(plaintext) != sealedValueSize {
		return 0, 0, fmt.Errorf("unexpected sealed value size: %d", len(plaintext))
	}

	return binary.LittleEndian.Uint64(plaintext) & t.Mask(), t, nil
}

// seal encrypts a value at the given width with a fresh nonce, persists
// the ciphertext and returns its handle.
func (b *SealedBackend) seal(value uint64, t UintType) (Handle, error) {
	ciphertext := make([]byte, sealedHeaderSize, sealedHeaderSize+sealedValueSize+b.aead.Overhead())
	ciphertext[0] = byte(t)

	if _, err := rand.Read(ciphertext[1:sealedHeaderSize]); err != nil {
		return Handle{}, fmt.Errorf("read nonce:\n%w", err)
	}

	var plaintext [sealedValueSize]byte
	binary.LittleEndian.PutUint64(plaintext[:], value)

	ciphertext = b.aead.Seal(ciphertext, ciphertext[1:sealedHeaderSize], plaintext[:], ciphertext[:1])

	h := Handle(blake3.Sum256(ciphertext))

	if err := b.store.Put(h, ciphertext); err != nil {
		return Handle{}, fmt.Errorf("store ciphertext:\n%w", err)
	}

	return h, nil
}
