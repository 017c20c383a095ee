package oracle

import (
	"crypto/ed25519"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"CipherRate/internal/fhe"
)

const (
	// BLSPublicKeySize is the size of a BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// attestDigestDomain is the domain separation tag for result digests.
const attestDigestDomain = "cipherrate/attest/v1"

// BLSKeyPair holds the oracle's BLS attestation key pair.
type BLSKeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// DeriveFromED25519 derives a deterministic BLS key pair from the node's
// ED25519 private key. The BLS key is bound to the node identity via
// BLAKE3("cipherrate-bls-keygen" || seed), so the attestation key needs no
// separate key file.
func DeriveFromED25519(privKey ed25519.PrivateKey) (*BLSKeyPair, error) {
	seed := privKey.Seed()
	h := blake3.New()
	h.Write([]byte("cipherrate-bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	secret := blst.KeyGen(derived[:])
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	public := new(blst.P1Affine).From(secret)

	return &BLSKeyPair{
		secret: secret,
		public: public,
	}, nil
}

// Sign creates a BLS signature over the message.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	return sig.Compress()
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *BLSKeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// VerifyAttestation checks a BLS attestation against a message and the
// node's published public key.
func VerifyAttestation(signature, message, publicKey []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// ResultDigest computes the digest an attestation covers: every result's
// handle and sealed payload, in response order, under the protocol domain
// tag. Clients reconstruct the same digest from the response they
// received.
func ResultDigest(results []Result) [32]byte {
	h := blake3.New()
	h.Write([]byte(attestDigestDomain))

	for _, r := range results {
		h.Write(r.Handle[:])
		h.Write(r.Sealed)
	}

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}

// Result is one decrypted value, sealed to the requesting grant's
// ephemeral key.
type Result struct {
	Handle fhe.Handle // Handle is the handle the value belongs to
	Sealed []byte     // Sealed is the ECIES envelope over value || width
}
