package fhe

import (
	"crypto/rand"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// eciesKeyDomain is the domain separation tag for ECIES key derivation.
const eciesKeyDomain = "cipherrate/ecies/v1"

// GenerateKeypair creates a fresh X25519 keypair.
func GenerateKeypair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("read random:\n%w", err)
	}

	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("derive public key:\n%w", err)
	}
	copy(pub[:], pubSlice)

	return pub, priv, nil
}

// SealTo encrypts plaintext to the holder of the given X25519 public key.
// Format: 32-byte ephemeral public key || 12-byte nonce || AEAD ciphertext.
func SealTo(recipient [32]byte, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	shared, err := curve25519.X25519(ephPriv[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("ecdh:\n%w", err)
	}

	aead, err := chacha20poly1305.New(deriveSealKey(ephPub[:], shared))
	if err != nil {
		return nil, fmt.Errorf("init aead:\n%w", err)
	}

	out := make([]byte, 32+aead.NonceSize(), 32+aead.NonceSize()+len(plaintext)+aead.Overhead())
	copy(out[:32], ephPub[:])

	if _, err := rand.Read(out[32 : 32+aead.NonceSize()]); err != nil {
		return nil, fmt.Errorf("read nonce:\n%w", err)
	}

	return aead.Seal(out, out[32:32+aead.NonceSize()], plaintext, nil), nil
}

// OpenWith decrypts a SealTo envelope with the recipient's private key.
func OpenWith(priv [32]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < 32+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("sealed envelope too short: %d bytes", len(sealed))
	}

	var ephPub [32]byte
	copy(ephPub[:], sealed[:32])

	shared, err := curve25519.X25519(priv[:], ephPub[:])
	if err != nil {
		return nil, fmt.Errorf("ecdh:\n%w", err)
	}

	aead, err := chacha20poly1305.New(deriveSealKey(ephPub[:], shared))
	if err != nil {
		return nil, fmt.Errorf("init aead:\n%w", err)
	}

	nonce := sealed[32 : 32+aead.NonceSize()]
	ciphertext := sealed[32+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open envelope:\n%w", err)
	}

	return plaintext, nil
}

// deriveSealKey derives the AEAD key from the ephemeral public key and the
// ECDH shared secret, bound to the protocol domain tag.
func deriveSealKey(ephPub, shared []byte) []byte {
	h := blake3.New()
	h.Write([]byte(eciesKeyDomain))
	h.Write(ephPub)
	h.Write(shared)

	key := make([]byte, 32)
	h.Sum(key[:0])

	return key
}
