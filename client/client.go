// Package client is the SDK for a CipherRate node: score submission and
// aggregate queries over HTTP, and authorized decryption through the
// node's QUIC oracle endpoint.
package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"CipherRate/internal/fhe"
)

// Client connects to a CipherRate node via HTTP.
type Client struct {
	nodeAddr   string   // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	contract   [32]byte // contract is the engine instance identity
	networkKey [32]byte // networkKey is the X25519 key scores are encrypted to
	blsKey     []byte   // blsKey is the oracle's attestation public key
	oracleAddr string   // oracleAddr is the QUIC decrypt endpoint
}

// Identity holds a user's persistent Ed25519 keypair. The public key is
// the principal the node grants permissions to.
type Identity struct {
	privKey ed25519.PrivateKey // privKey is the Ed25519 private key
	pubKey  ed25519.PublicKey  // pubKey is the Ed25519 public key
}

// NewClient creates a client connected to a node.
// It fetches the node's identity from the /status endpoint.
func NewClient(nodeAddr string) (*Client, error) {
	var status struct {
		Contract   string `json:"contract"`
		NetworkKey string `json:"networkKey"`
		BLSKey     string `json:"blsKey"`
		OracleAddr string `json:"oracleAddr"`
	}

	if err := httpGet("http://"+nodeAddr+"/status", &status); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	c := &Client{nodeAddr: nodeAddr, oracleAddr: status.OracleAddr}

	contract, err := decodeHexID(status.Contract)
	if err != nil {
		return nil, fmt.Errorf("invalid contract: %q", status.Contract)
	}
	c.contract = contract

	networkKey, err := decodeHexID(status.NetworkKey)
	if err != nil {
		return nil, fmt.Errorf("invalid networkKey: %q", status.NetworkKey)
	}
	c.networkKey = networkKey

	c.blsKey, err = hex.DecodeString(status.BLSKey)
	if err != nil {
		return nil, fmt.Errorf("invalid blsKey: %q", status.BLSKey)
	}

	return c, nil
}

// Contract returns the engine instance identity.
func (c *Client) Contract() [32]byte {
	return c.contract
}

// NetworkKey returns the node's X25519 encryption key.
func (c *Client) NetworkKey() [32]byte {
	return c.networkKey
}

// NewIdentity creates an identity with a random Ed25519 keypair.
func NewIdentity() *Identity {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	return &Identity{privKey: priv, pubKey: pub}
}

// IdentityFromKey wraps an existing Ed25519 private key.
func IdentityFromKey(priv ed25519.PrivateKey) *Identity {
	return &Identity{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}
}

// Principal returns the identity's public key as a 32-byte array.
func (id *Identity) Principal() [32]byte {
	var p [32]byte
	copy(p[:], id.pubKey)

	return p
}

// EncryptScore produces the external ciphertext and import proof for a
// score submission. The value is encrypted to the node's network key;
// the proof binds the submission to this contract and this identity.
func (c *Client) EncryptScore(id *Identity, value uint64) (external, proof []byte, err error) {
	external, err = fhe.EncryptExternal(c.networkKey, value, fhe.Uint8)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt score:\n%w", err)
	}

	proof = fhe.ProveImport(id.privKey, c.contract, external)

	return external, proof, nil
}

// SubmitScore encrypts and submits one score for a subject. Submissions
// are counted as-is: sending the same score twice counts twice.
func (c *Client) SubmitScore(id *Identity, subject string, value uint64) error {
	external, proof, err := c.EncryptScore(id, value)
	if err != nil {
		return err
	}

	body := map[string]string{
		"external": hex.EncodeToString(external),
		"proof":    hex.EncodeToString(proof),
		"caller":   hex.EncodeToString(id.pubKey),
	}

	var resp struct {
		Count uint32 `json:"count"`
	}

	url := "http://" + c.nodeAddr + "/subjects/" + subject + "/ratings"
	if err := httpPostJSON(url, body, &resp); err != nil {
		return fmt.Errorf("submit score:\n%w", err)
	}

	return nil
}

// QueryAverage asks the node for the subject's scaled average and returns
// the result handle. The node grants the identity decryption permission
// on that handle as part of the call.
func (c *Client) QueryAverage(id *Identity, subject string) (fhe.Handle, error) {
	body := map[string]string{
		"caller": hex.EncodeToString(id.pubKey),
	}

	var resp struct {
		Handle string `json:"handle"`
	}

	url := "http://" + c.nodeAddr + "/subjects/" + subject + "/average"
	if err := httpPostJSON(url, body, &resp); err != nil {
		return fhe.Handle{}, fmt.Errorf("query average:\n%w", err)
	}

	raw, err := decodeHexID(resp.Handle)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("invalid handle: %q", resp.Handle)
	}

	return fhe.Handle(raw), nil
}

// QuerySum returns the subject's encrypted sum handle. No permission is
// granted; the handle only becomes readable through a separate grant.
func (c *Client) QuerySum(subject string) (fhe.Handle, error) {
	var resp struct {
		Handle string `json:"handle"`
	}

	url := "http://" + c.nodeAddr + "/subjects/" + subject + "/sum"
	if err := httpGet(url, &resp); err != nil {
		return fhe.Handle{}, fmt.Errorf("query sum:\n%w", err)
	}

	raw, err := decodeHexID(resp.Handle)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("invalid handle: %q", resp.Handle)
	}

	return fhe.Handle(raw), nil
}

// QueryCount returns the subject's plain submission count.
func (c *Client) QueryCount(subject string) (uint32, error) {
	var resp struct {
		Count uint32 `json:"count"`
	}

	url := "http://" + c.nodeAddr + "/subjects/" + subject + "/count"
	if err := httpGet(url, &resp); err != nil {
		return 0, fmt.Errorf("query count:\n%w", err)
	}

	return resp.Count, nil
}

// decodeHexID decodes a 64-char hex string to a [32]byte.
func decodeHexID(hexStr string) ([32]byte, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != 32 {
		return [32]byte{}, fmt.Errorf("invalid hex ID: %q", hexStr)
	}

	var id [32]byte
	copy(id[:], b)

	return id, nil
}
