package oracle

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"CipherRate/internal/grant"
	"CipherRate/internal/logger"
	"CipherRate/internal/wire"
)

// Handler returns the transport handler serving decrypt requests. Every
// outcome travels back as a response buffer; errors become wire codes
// rather than dropped streams, so clients can tell an authorization
// rejection from a transport failure.
func (o *Oracle) Handler() func(peer ed25519.PublicKey, request []byte) ([]byte, error) {
	return func(peer ed25519.PublicKey, request []byte) ([]byte, error) {
		req, err := parseRequest(request)
		if err != nil {
			logger.Debug("malformed decrypt request", "error", err)
			return encodeError(wire.ErrorCodeInternal), nil
		}

		results, attestation, err := o.Decrypt(*req)
		if err != nil {
			return encodeError(errorCode(err)), nil
		}

		return encodeResults(results, attestation), nil
	}
}

// errorCode maps a decrypt error to its wire code.
func errorCode(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return wire.ErrorCodeUnauthorized
	case errors.Is(err, grant.ErrGrantExpired):
		return wire.ErrorCodeGrantExpired
	case errors.Is(err, grant.ErrBadSignature):
		return wire.ErrorCodeBadSignature
	default:
		return wire.ErrorCodeInternal
	}
}

// wireError maps a wire code back to its sentinel error.
func wireError(code wire.ErrorCode) error {
	switch code {
	case wire.ErrorCodeUnauthorized:
		return ErrUnauthorized
	case wire.ErrorCodeGrantExpired:
		return grant.ErrGrantExpired
	case wire.ErrorCodeBadSignature:
		return grant.ErrBadSignature
	default:
		return fmt.Errorf("oracle error: %s", code)
	}
}

// EncodeRequest serializes a decrypt request for the wire.
func EncodeRequest(req Request) []byte {
	builder := flatbuffers.NewBuilder(1024)

	pairOffsets := make([]flatbuffers.UOffsetT, len(req.Pairs))
	for i := len(req.Pairs) - 1; i >= 0; i-- {
		handleVec := builder.CreateByteVector(req.Pairs[i].Handle[:])
		contractVec := builder.CreateByteVector(req.Pairs[i].Contract[:])

		wire.HandlePairStart(builder)
		wire.HandlePairAddHandle(builder, handleVec)
		wire.HandlePairAddContract(builder, contractVec)
		pairOffsets[i] = wire.HandlePairEnd(builder)
	}

	wire.DecryptRequestStartPairsVector(builder, len(pairOffsets))
	for i := len(pairOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(pairOffsets[i])
	}
	pairsVec := builder.EndVector(len(pairOffsets))

	contracts := make([]byte, 0, 32*len(req.Grant.Contracts))
	for _, c := range req.Grant.Contracts {
		contracts = append(contracts, c[:]...)
	}

	userVec := builder.CreateByteVector(req.Grant.User[:])
	ephVec := builder.CreateByteVector(req.Grant.EphemeralPub[:])
	contractsVec := builder.CreateByteVector(contracts)
	sigVec := builder.CreateByteVector(req.Grant.Signature[:])

	wire.DecryptRequestStart(builder)
	wire.DecryptRequestAddUser(builder, userVec)
	wire.DecryptRequestAddEphemeralPub(builder, ephVec)
	wire.DecryptRequestAddContracts(builder, contractsVec)
	wire.DecryptRequestAddStartTimestamp(builder, req.Grant.StartTimestamp)
	wire.DecryptRequestAddDurationDays(builder, req.Grant.DurationDays)
	wire.DecryptRequestAddSignature(builder, sigVec)
	wire.DecryptRequestAddPairs(builder, pairsVec)
	builder.Finish(wire.DecryptRequestEnd(builder))

	return builder.FinishedBytes()
}

// parseRequest deserializes a decrypt request from the wire. The
// accessors index into the raw buffer, so a hand-crafted request can
// drive them out of bounds; the recover turns that into a parse error
// instead of a dead stream handler.
func parseRequest(buf []byte) (req *Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			req = nil
			err = fmt.Errorf("malformed request buffer: %v", r)
		}
	}()

	msg := wire.GetRootAsDecryptRequest(buf, 0)

	if msg.UserLength() != 32 || msg.EphemeralPubLength() != 32 {
		return nil, fmt.Errorf("bad identity field sizes")
	}

	if msg.SignatureLength() != 64 {
		return nil, fmt.Errorf("bad signature size: %d", msg.SignatureLength())
	}

	if msg.ContractsLength()%32 != 0 {
		return nil, fmt.Errorf("bad contracts section size: %d", msg.ContractsLength())
	}

	req = &Request{}
	copy(req.Grant.User[:], msg.UserBytes())
	copy(req.Grant.EphemeralPub[:], msg.EphemeralPubBytes())
	copy(req.Grant.Signature[:], msg.SignatureBytes())
	req.Grant.StartTimestamp = msg.StartTimestamp()
	req.Grant.DurationDays = msg.DurationDays()

	contracts := msg.ContractsBytes()
	req.Grant.Contracts = make([][32]byte, len(contracts)/32)
	for i := range req.Grant.Contracts {
		copy(req.Grant.Contracts[i][:], contracts[32*i:])
	}

	req.Pairs = make([]Pair, msg.PairsLength())
	var pair wire.HandlePair

	for i := range req.Pairs {
		if !msg.Pairs(&pair, i) {
			return nil, fmt.Errorf("missing pair %d", i)
		}

		if pair.HandleLength() != 32 || pair.ContractLength() != 32 {
			return nil, fmt.Errorf("bad pair field sizes at %d", i)
		}

		copy(req.Pairs[i].Handle[:], pair.HandleBytes())
		copy(req.Pairs[i].Contract[:], pair.ContractBytes())
	}

	return req, nil
}

// encodeResults serializes a successful decrypt response.
func encodeResults(results []Result, attestation []byte) []byte {
	builder := flatbuffers.NewBuilder(1024)

	resultOffsets := make([]flatbuffers.UOffsetT, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		handleVec := builder.CreateByteVector(results[i].Handle[:])
		sealedVec := builder.CreateByteVector(results[i].Sealed)

		wire.DecryptResultStart(builder)
		wire.DecryptResultAddHandle(builder, handleVec)
		wire.DecryptResultAddSealed(builder, sealedVec)
		resultOffsets[i] = wire.DecryptResultEnd(builder)
	}

	wire.DecryptResponseStartResultsVector(builder, len(resultOffsets))
	for i := len(resultOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(resultOffsets[i])
	}
	resultsVec := builder.EndVector(len(resultOffsets))

	attVec := builder.CreateByteVector(attestation)

	wire.DecryptResponseStart(builder)
	wire.DecryptResponseAddCode(builder, wire.ErrorCodeNone)
	wire.DecryptResponseAddResults(builder, resultsVec)
	wire.DecryptResponseAddAttestation(builder, attVec)
	builder.Finish(wire.DecryptResponseEnd(builder))

	return builder.FinishedBytes()
}

// encodeError serializes an error-only decrypt response.
func encodeError(code wire.ErrorCode) []byte {
	builder := flatbuffers.NewBuilder(64)

	wire.DecryptResponseStart(builder)
	wire.DecryptResponseAddCode(builder, code)
	builder.Finish(wire.DecryptResponseEnd(builder))

	return builder.FinishedBytes()
}

// DecodeResponse deserializes a decrypt response, mapping wire error
// codes back to their sentinel errors. Guarded like parseRequest: a
// misbehaving oracle must not be able to panic its clients.
func DecodeResponse(buf []byte) (results []Result, attestation []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, attestation = nil, nil
			err = fmt.Errorf("malformed response buffer: %v", r)
		}
	}()

	msg := wire.GetRootAsDecryptResponse(buf, 0)

	if msg.Code() != wire.ErrorCodeNone {
		return nil, nil, wireError(msg.Code())
	}

	results = make([]Result, msg.ResultsLength())
	var result wire.DecryptResult

	for i := range results {
		if !msg.Results(&result, i) {
			return nil, nil, fmt.Errorf("missing result %d", i)
		}

		if result.HandleLength() != 32 {
			return nil, nil, fmt.Errorf("bad handle size at %d", i)
		}

		copy(results[i].Handle[:], result.HandleBytes())
		results[i].Sealed = append([]byte(nil), result.SealedBytes()...)
	}

	attestation = append([]byte(nil), msg.AttestationBytes()...)

	return results, attestation, nil
}
