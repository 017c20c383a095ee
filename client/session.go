package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CipherRate/internal/fhe"
	"CipherRate/internal/grant"
	"CipherRate/internal/logger"
	"CipherRate/internal/oracle"
	"CipherRate/internal/transport"
)

const (
	// maxDecryptAttempts bounds transient retries of the oracle round trip.
	maxDecryptAttempts = 4

	// baseRetryDelay is the initial backoff delay.
	baseRetryDelay = 500 * time.Millisecond
)

// Session runs the decryption authorization protocol for one identity: it
// owns the signer and the signature cache, obtains or reuses grants, and
// executes decrypt requests against the oracle.
//
// Authorization failures (unauthorized handle, expired grant, declined
// signature) are terminal; only transport failures are retried, with
// exponential backoff.
type Session struct {
	client   *Client
	identity *Identity
	keeper   *grant.Keeper
}

// NewSession creates a session for the identity with its own signer and
// grant cache.
func NewSession(c *Client, id *Identity, signer grant.Signer, cache *grant.Cache) *Session {
	return &Session{
		client:   c,
		identity: id,
		keeper:   grant.NewKeeper(id.pubKey, signer, cache),
	}
}

// Decrypt resolves the given handles to cleartext values. The session
// obtains a grant covering the node's contract (reusing a cached one when
// valid), sends one decrypt request for all handles, verifies the
// oracle's attestation and unseals each result with the grant's ephemeral
// key. The returned map has exactly one entry per requested handle.
func (s *Session) Decrypt(ctx context.Context, handles []fhe.Handle) (map[fhe.Handle]uint64, error) {
	g, err := s.keeper.Obtain(ctx, [][32]byte{s.client.contract})
	if err != nil {
		return nil, err
	}

	req := oracle.Request{
		Grant: g.Grant,
		Pairs: make([]oracle.Pair, len(handles)),
	}
	for i, h := range handles {
		req.Pairs[i] = oracle.Pair{Handle: h, Contract: s.client.contract}
	}

	results, attestation, err := s.roundTrip(ctx, oracle.EncodeRequest(req))
	if err != nil {
		return nil, err
	}

	digest := oracle.ResultDigest(results)
	if !oracle.VerifyAttestation(attestation, digest[:], s.client.blsKey) {
		return nil, fmt.Errorf("oracle attestation does not verify")
	}

	if len(results) != len(handles) {
		return nil, fmt.Errorf("oracle returned %d results for %d handles", len(results), len(handles))
	}

	values := make(map[fhe.Handle]uint64, len(results))
	for _, r := range results {
		value, _, err := oracle.OpenResult(g.EphemeralPriv, r.Sealed)
		if err != nil {
			return nil, fmt.Errorf("unseal result %s:\n%w", r.Handle.Short(), err)
		}

		values[r.Handle] = value
	}

	return values, nil
}

// DecryptOne resolves a single handle.
func (s *Session) DecryptOne(ctx context.Context, h fhe.Handle) (uint64, error) {
	values, err := s.Decrypt(ctx, []fhe.Handle{h})
	if err != nil {
		return 0, err
	}

	return values[h], nil
}

// roundTrip sends the encoded request to the oracle, retrying transport
// failures with exponential backoff. Oracle-level rejections come back as
// sentinel errors and are never retried.
func (s *Session) roundTrip(ctx context.Context, request []byte) ([]oracle.Result, []byte, error) {
	delay := baseRetryDelay

	var lastErr error

	for attempt := 0; attempt < maxDecryptAttempts; attempt++ {
		if attempt > 0 {
			logger.Debug("retrying oracle request", "attempt", attempt, "error", lastErr)

			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		response, err := s.exchange(ctx, request)
		if err != nil {
			lastErr = err
			continue
		}

		results, attestation, err := oracle.DecodeResponse(response)
		if err != nil {
			if isTerminal(err) {
				return nil, nil, err
			}
			lastErr = err
			continue
		}

		return results, attestation, nil
	}

	return nil, nil, fmt.Errorf("oracle unreachable after %d attempts:\n%w", maxDecryptAttempts, lastErr)
}

// exchange performs one connect/request cycle against the oracle.
func (s *Session) exchange(ctx context.Context, request []byte) ([]byte, error) {
	conn, err := transport.Dial(ctx, s.client.oracleAddr, s.identity.privKey)
	if err != nil {
		return nil, fmt.Errorf("dial oracle:\n%w", err)
	}
	defer conn.Close()

	return conn.Request(ctx, request)
}

// isTerminal reports whether a decrypt error must not be retried.
func isTerminal(err error) bool {
	return errors.Is(err, oracle.ErrUnauthorized) ||
		errors.Is(err, grant.ErrGrantExpired) ||
		errors.Is(err, grant.ErrBadSignature) ||
		errors.Is(err, grant.ErrSignatureDeclined)
}
