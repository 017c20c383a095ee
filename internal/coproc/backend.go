package coproc

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"CipherRate/internal/fhe"
)

// Op codes of the coprocessor request protocol.
const (
	opAdd byte = iota
	opMul
	opMin
	opMax
	opScalarDiv
	opCast
	opTrivialEncrypt
	opVerifiedImport
	opDecrypt
)

// Response status codes returned by the module.
const (
	statusOK byte = iota
	statusInvalidProof
	statusTypeMismatch
	statusFailed
)

// Backend implements the ciphertext arithmetic contract by delegating
// every operation to a WASM coprocessor module. Resulting ciphertexts are
// persisted in the shared ciphertext store, so the oracle and engine see
// the same handle space regardless of which backend produced a handle.
type Backend struct {
	pool  *Pool
	store *fhe.Store
}

// NewBackend creates a coprocessor-driven backend.
func NewBackend(pool *Pool, store *fhe.Store) *Backend {
	return &Backend{pool: pool, store: store}
}

// Add returns a handle to a+b.
func (b *Backend) Add(a, c fhe.Handle) (fhe.Handle, error) {
	return b.binaryOp(opAdd, a, c)
}

// Mul returns a handle to a*b.
func (b *Backend) Mul(a, c fhe.Handle) (fhe.Handle, error) {
	return b.binaryOp(opMul, a, c)
}

// Min returns a handle to min(a, b).
func (b *Backend) Min(a, c fhe.Handle) (fhe.Handle, error) {
	return b.binaryOp(opMin, a, c)
}

// Max returns a handle to max(a, b).
func (b *Backend) Max(a, c fhe.Handle) (fhe.Handle, error) {
	return b.binaryOp(opMax, a, c)
}

// binaryOp runs a two-operand op in the coprocessor.
func (b *Backend) binaryOp(op byte, a, c fhe.Handle) (fhe.Handle, error) {
	ctA, err := b.store.Get(a)
	if err != nil {
		return fhe.Handle{}, err
	}

	ctB, err := b.store.Get(c)
	if err != nil {
		return fhe.Handle{}, err
	}

	payload, err := b.call(op, ctA, ctB)
	if err != nil {
		return fhe.Handle{}, err
	}

	return b.storeResult(payload)
}

// ScalarDiv returns a handle to a/divisor with floor semantics.
func (b *Backend) ScalarDiv(a fhe.Handle, divisor uint64) (fhe.Handle, error) {
	if divisor == 0 {
		return fhe.Handle{}, fmt.Errorf("division by zero scalar")
	}

	ct, err := b.store.Get(a)
	if err != nil {
		return fhe.Handle{}, err
	}

	var div [8]byte
	binary.LittleEndian.PutUint64(div[:], divisor)

	payload, err := b.call(opScalarDiv, ct, div[:])
	if err != nil {
		return fhe.Handle{}, err
	}

	return b.storeResult(payload)
}

// Cast returns a handle to a re-encoded at the target width.
func (b *Backend) Cast(a fhe.Handle, to fhe.UintType) (fhe.Handle, error) {
	if !to.Valid() {
		return fhe.Handle{}, fhe.ErrTypeMismatch
	}

	ct, err := b.store.Get(a)
	if err != nil {
		return fhe.Handle{}, err
	}

	payload, err := b.call(opCast, ct, []byte{byte(to)})
	if err != nil {
		return fhe.Handle{}, err
	}

	return b.storeResult(payload)
}

// TrivialEncrypt returns a handle to a freshly encrypted constant.
func (b *Backend) TrivialEncrypt(value uint64, t fhe.UintType) (fhe.Handle, error) {
	if !t.Valid() {
		return fhe.Handle{}, fhe.ErrTypeMismatch
	}

	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], value)

	payload, err := b.call(opTrivialEncrypt, v[:], []byte{byte(t)})
	if err != nil {
		return fhe.Handle{}, err
	}

	return b.storeResult(payload)
}

// VerifiedImport verifies an external ciphertext in the coprocessor and
// stores the resulting internal ciphertext.
func (b *Backend) VerifiedImport(external, proof []byte, contract, caller [32]byte) (fhe.Handle, fhe.UintType, error) {
	payload, err := b.call(opVerifiedImport, external, proof, contract[:], caller[:])
	if err != nil {
		return fhe.Handle{}, 0, err
	}

	if len(payload) < 1 {
		return fhe.Handle{}, 0, fmt.Errorf("short import response")
	}

	t := fhe.UintType(payload[0])
	if !t.Valid() {
		return fhe.Handle{}, 0, fhe.ErrTypeMismatch
	}

	h, err := b.storeResult(payload[1:])
	if err != nil {
		return fhe.Handle{}, 0, err
	}

	return h, t, nil
}

// Decrypt returns the cleartext value and width of a handle.
func (b *Backend) Decrypt(h fhe.Handle) (uint64, fhe.UintType, error) {
	ct, err := b.store.Get(h)
	if err != nil {
		return 0, 0, err
	}

	payload, err := b.call(opDecrypt, ct)
	if err != nil {
		return 0, 0, err
	}

	if len(payload) != 9 {
		return 0, 0, fmt.Errorf("short decrypt response")
	}

	t := fhe.UintType(payload[8])
	if !t.Valid() {
		return 0, 0, fhe.ErrTypeMismatch
	}

	return binary.LittleEndian.Uint64(payload[:8]) & t.Mask(), t, nil
}

// call encodes a request, runs it in the coprocessor and decodes the
// response status.
// Request layout: op byte, then per field a u32 little-endian length
// prefix followed by the field bytes.
func (b *Backend) call(op byte, fields ...[]byte) ([]byte, error) {
	size := 1
	for _, f := range fields {
		size += 4 + len(f)
	}

	request := make([]byte, 0, size)
	request = append(request, op)

	var lenBuf [4]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f)))
		request = append(request, lenBuf[:]...)
		request = append(request, f...)
	}

	response, err := b.pool.Call(context.Background(), request)
	if err != nil {
		return nil, err
	}

	if len(response) < 1 {
		return nil, fmt.Errorf("empty coprocessor response")
	}

	switch response[0] {
	case statusOK:
		return response[1:], nil
	case statusInvalidProof:
		return nil, fhe.ErrInvalidProof
	case statusTypeMismatch:
		return nil, fhe.ErrTypeMismatch
	default:
		return nil, fmt.Errorf("coprocessor op %d failed", op)
	}
}

// storeResult persists a result ciphertext and returns its handle.
func (b *Backend) storeResult(ciphertext []byte) (fhe.Handle, error) {
	if len(ciphertext) == 0 {
		return fhe.Handle{}, fmt.Errorf("empty result ciphertext")
	}

	h := fhe.Handle(blake3.Sum256(ciphertext))

	if err := b.store.Put(h, ciphertext); err != nil {
		return fhe.Handle{}, fmt.Errorf("store result:\n%w", err)
	}

	return h, nil
}
