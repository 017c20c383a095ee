package fhe

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// importDigestDomain is the domain separation tag for import proofs.
const importDigestDomain = "cipherrate/import/v1"

// EncryptExternal produces an externally encrypted value for submission:
// a width tag followed by an ECIES envelope addressed to the network
// public key. Only the arithmetic layer can recover the value.
func EncryptExternal(networkPub [32]byte, value uint64, t UintType) ([]byte, error) {
	if !t.Valid() {
		return nil, ErrTypeMismatch
	}

	var plaintext [sealedValueSize]byte
	binary.LittleEndian.PutUint64(plaintext[:], value&t.Mask())

	envelope, err := SealTo(networkPub, plaintext[:])
	if err != nil {
		return nil, fmt.Errorf("seal external value:\n%w", err)
	}

	external := make([]byte, 0, 1+len(envelope))
	external = append(external, byte(t))
	external = append(external, envelope...)

	return external, nil
}

// ImportDigest computes the digest an import proof signs: the external
// ciphertext bound to the contract it is being submitted to.
func ImportDigest(contract [32]byte, external []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte(importDigestDomain))
	h.Write(contract[:])
	h.Write(external)

	var digest [32]byte
	h.Sum(digest[:0])

	return digest
}

// ProveImport signs the import digest with the submitter's identity key,
// producing the correctness proof checked by VerifiedImport.
func ProveImport(priv ed25519.PrivateKey, contract [32]byte, external []byte) []byte {
	digest := ImportDigest(contract, external)

	return ed25519.Sign(priv, digest[:])
}
