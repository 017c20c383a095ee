// Package oracle executes decrypt requests: it is the single place where
// a ciphertext handle becomes a cleartext value, and it releases nothing
// before the grant signature, the grant window and every requested
// handle's ACL entry have been checked.
package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"CipherRate/internal/acl"
	"CipherRate/internal/fhe"
	"CipherRate/internal/grant"
	"CipherRate/internal/logger"
)

// ErrUnauthorized is returned when a requested handle has no ACL entry
// for the requesting user. The whole request is rejected; no partial
// results are released.
var ErrUnauthorized = errors.New("handle not authorized for principal")

// Pair is one handle to decrypt together with the contract it belongs to.
type Pair struct {
	Handle   fhe.Handle
	Contract [32]byte
}

// Request is a decrypt request: the presented grant plus the requested
// pairs.
type Request struct {
	Grant grant.Grant
	Pairs []Pair
}

// Oracle serves decrypt requests against one backend and ACL.
type Oracle struct {
	backend fhe.Backend
	acl     *acl.Manager
	keys    *BLSKeyPair

	now func() time.Time // now is replaceable for expiry tests
}

// New creates an Oracle attesting with the given BLS key pair.
func New(backend fhe.Backend, aclMgr *acl.Manager, keys *BLSKeyPair) *Oracle {
	return &Oracle{backend: backend, acl: aclMgr, keys: keys, now: time.Now}
}

// PublicKeyBytes returns the oracle's compressed BLS public key.
func (o *Oracle) PublicKeyBytes() []byte {
	return o.keys.PublicKeyBytes()
}

// Decrypt validates the request and returns one sealed result per pair,
// in request order, plus the BLS attestation over the result digest.
//
// Validation is all-or-nothing and runs before any decryption: an invalid
// signature, an expired grant or a single unauthorized pair rejects the
// whole request.
func (o *Oracle) Decrypt(req Request) ([]Result, []byte, error) {
	if err := req.Grant.Verify(); err != nil {
		return nil, nil, err
	}

	if req.Grant.Expired(o.now()) {
		return nil, nil, grant.ErrGrantExpired
	}

	for _, pair := range req.Pairs {
		if !req.Grant.Covers(pair.Contract) {
			logger.Debug("pair contract outside grant set",
				"handle", pair.Handle.Short(),
				"contract", fmt.Sprintf("%x", pair.Contract[:8]),
			)
			return nil, nil, ErrUnauthorized
		}

		if !o.acl.IsAllowed(pair.Handle, req.Grant.User) {
			logger.Debug("pair lacks acl entry",
				"handle", pair.Handle.Short(),
				"user", fmt.Sprintf("%x", req.Grant.User[:8]),
			)
			return nil, nil, ErrUnauthorized
		}
	}

	results := make([]Result, 0, len(req.Pairs))

	for _, pair := range req.Pairs {
		sealed, err := o.decryptPair(pair.Handle, req.Grant.EphemeralPub)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypt %s:\n%w", pair.Handle.Short(), err)
		}

		results = append(results, Result{Handle: pair.Handle, Sealed: sealed})
	}

	digest := ResultDigest(results)
	attestation := o.keys.Sign(digest[:])

	return results, attestation, nil
}

// decryptPair decrypts one handle and seals value || width to the grant's
// ephemeral key.
func (o *Oracle) decryptPair(h fhe.Handle, ephemeralPub [32]byte) ([]byte, error) {
	value, width, err := o.backend.Decrypt(h)
	if err != nil {
		return nil, err
	}

	var payload [9]byte
	binary.LittleEndian.PutUint64(payload[:8], value)
	payload[8] = byte(width)

	sealed, err := fhe.SealTo(ephemeralPub, payload[:])
	if err != nil {
		return nil, fmt.Errorf("seal result:\n%w", err)
	}

	return sealed, nil
}

// OpenResult recovers the cleartext value and width from a sealed result
// using the grant's ephemeral private key. Client-side counterpart of
// decryptPair.
func OpenResult(ephemeralPriv [32]byte, sealed []byte) (uint64, fhe.UintType, error) {
	payload, err := fhe.OpenWith(ephemeralPriv, sealed)
	if err != nil {
		return 0, 0, fmt.Errorf("open result:\n%w", err)
	}

	if len(payload) != 9 {
		return 0, 0, fmt.Errorf("unexpected result payload size: %d", len(payload))
	}

	width := fhe.UintType(payload[8])
	if !width.Valid() {
		return 0, 0, fhe.ErrTypeMismatch
	}

	return binary.LittleEndian.Uint64(payload[:8]) & width.Mask(), width, nil
}
