package grant

import (
	"context"
	"crypto/ed25519"

	"github.com/zeebo/blake3"
)

// Signer obtains the user's signature over a grant message. The call may
// suspend indefinitely while the user considers; it has exactly two
// terminal outcomes, a signature or ErrSignatureDeclined. Context
// cancellation is for session shutdown only.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([64]byte, error)
}

// KeySigner signs immediately with a held Ed25519 private key. Used by
// non-interactive sessions and tests; interactive frontends implement
// Signer over their own prompt flow.
type KeySigner struct {
	priv ed25519.PrivateKey
}

// NewKeySigner wraps a private key as a Signer.
func NewKeySigner(priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{priv: priv}
}

// Sign signs the message digest without prompting.
func (s *KeySigner) Sign(_ context.Context, message []byte) ([64]byte, error) {
	digest := blake3.Sum256(message)

	var sig [64]byte
	copy(sig[:], ed25519.Sign(s.priv, digest[:]))

	return sig, nil
}

// DeclineSigner declines every request. Used to model a user rejecting
// the prompt.
type DeclineSigner struct{}

// Sign always returns ErrSignatureDeclined.
func (DeclineSigner) Sign(context.Context, []byte) ([64]byte, error) {
	return [64]byte{}, ErrSignatureDeclined
}
