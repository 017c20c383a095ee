package fhe

import (
	"encoding/hex"
	"errors"
)

// Handle is an opaque reference to an encrypted value: the blake3 hash of
// the serialized ciphertext. Arithmetic never mutates a ciphertext in
// place, so every operation yields a new handle.
type Handle [32]byte

// Hex returns the full hex encoding of the handle.
func (h Handle) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated hex form for logging.
func (h Handle) Short() string {
	return hex.EncodeToString(h[:8])
}

// UintType is the declared bit width of an encrypted value.
type UintType uint8

const (
	// Uint8 is the narrow width used for submitted scores.
	Uint8 UintType = iota

	// Uint16 is an intermediate width.
	Uint16

	// Uint32 is the wide accumulator width.
	Uint32
)

// Bits returns the bit width of the type.
func (t UintType) Bits() int {
	switch t {
	case Uint8:
		return 8
	case Uint16:
		return 16
	case Uint32:
		return 32
	default:
		return 0
	}
}

// Mask returns the value mask for the type. Arithmetic results wrap into
// this mask, matching fixed-width encrypted integer semantics.
func (t UintType) Mask() uint64 {
	switch t {
	case Uint8:
		return 0xff
	case Uint16:
		return 0xffff
	case Uint32:
		return 0xffffffff
	default:
		return 0
	}
}

// Valid reports whether t is a supported width.
func (t UintType) Valid() bool {
	return t <= Uint32
}

var (
	// ErrInvalidProof is returned when an external ciphertext's
	// correctness proof does not verify. Input validation: rejected
	// before any state mutation.
	ErrInvalidProof = errors.New("input proof verification failed")

	// ErrTypeMismatch is returned for an unsupported or inconsistent
	// ciphertext width.
	ErrTypeMismatch = errors.New("ciphertext width mismatch")

	// ErrHandleNotFound is returned when a handle has no stored ciphertext.
	ErrHandleNotFound = errors.New("ciphertext handle not found")
)

// Backend is the ciphertext arithmetic layer. Implementations perform all
// arithmetic on sealed values; callers only ever see handles. Decrypt is
// reserved for the oracle boundary, which checks authorization first.
type Backend interface {
	// Add returns a handle to a+b. Operands must share a width.
	Add(a, b Handle) (Handle, error)

	// Mul returns a handle to a*b. Operands must share a width.
	Mul(a, b Handle) (Handle, error)

	// ScalarDiv returns a handle to a/divisor with floor-toward-zero
	// semantics. The divisor is a clear integer and must be non-zero.
	ScalarDiv(a Handle, divisor uint64) (Handle, error)

	// Min returns a handle to min(a, b). Operands must share a width.
	Min(a, b Handle) (Handle, error)

	// Max returns a handle to max(a, b). Operands must share a width.
	Max(a, b Handle) (Handle, error)

	// Cast returns a handle to a re-encoded at the target width.
	Cast(a Handle, to UintType) (Handle, error)

	// TrivialEncrypt returns a handle to a freshly encrypted constant.
	TrivialEncrypt(value uint64, t UintType) (Handle, error)

	// VerifiedImport verifies an externally produced ciphertext and its
	// correctness proof, binding it to {contract, caller}, and returns
	// the resulting internal handle and its width.
	VerifiedImport(external, proof []byte, contract, caller [32]byte) (Handle, UintType, error)

	// Decrypt returns the cleartext value and declared width of a handle.
	Decrypt(h Handle) (uint64, UintType, error)
}
