package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"CipherRate/client"
	"CipherRate/internal/acl"
	"CipherRate/internal/api"
	"CipherRate/internal/engine"
	"CipherRate/internal/fhe"
	"CipherRate/internal/grant"
	"CipherRate/internal/oracle"
	"CipherRate/internal/storage"
	"CipherRate/internal/transport"
)

// httpPortCounter hands out distinct HTTP ports so parallel tests in this
// package never collide.
var httpPortCounter atomic.Int32

func init() {
	httpPortCounter.Store(18600)
}

// testNode is a full node assembled in-process: storage, sealed backend,
// engine, oracle and both servers, wired exactly like cmd/node.
type testNode struct {
	t          *testing.T
	storage    *storage.Store    // storage is the node's Pebble store
	backend    *fhe.SealedBackend
	acl        *acl.Manager
	engine     *engine.Engine
	oracle     *oracle.Oracle
	oracleSrv  *transport.Server // oracleSrv is the QUIC decrypt endpoint
	api        *api.Server
	httpAddr   string
	contract   [32]byte
	networkKey [32]byte
}

// Contract returns the engine instance identity.
func (n *testNode) Contract() [32]byte { return n.contract }

// NetworkPublicKey returns the X25519 key scores are encrypted to.
func (n *testNode) NetworkPublicKey() [32]byte { return n.networkKey }

// BLSPublicKey returns the oracle's attestation public key.
func (n *testNode) BLSPublicKey() []byte { return n.oracle.PublicKeyBytes() }

// OracleAddr returns the QUIC decrypt endpoint address.
func (n *testNode) OracleAddr() string { return n.oracleSrv.Addr() }

// startTestNode assembles and starts a node, registering cleanup. The
// oracle listens on an ephemeral port; the HTTP API takes the next port
// from the package counter.
func startTestNode(t *testing.T) *testNode {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}

	n := &testNode{t: t, contract: blake3.Sum256(pub)}

	n.storage, err = storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { n.storage.Close() })

	ctStore, err := fhe.NewStore(n.storage)
	if err != nil {
		t.Fatalf("create ciphertext store: %v", err)
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		t.Fatalf("read seed: %v", err)
	}

	n.backend, err = fhe.NewSealedBackend(seed, ctStore)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	n.networkKey = n.backend.NetworkPublicKey()

	n.acl, err = acl.New(n.storage, n.contract)
	if err != nil {
		t.Fatalf("create acl: %v", err)
	}

	n.engine, err = engine.New(n.backend, n.acl, n.storage, n.contract)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	keys, err := oracle.DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive attestation key: %v", err)
	}
	n.oracle = oracle.New(n.backend, n.acl, keys)

	n.oracleSrv, err = transport.Listen("127.0.0.1:0", priv, n.oracle.Handler())
	if err != nil {
		t.Fatalf("start oracle server: %v", err)
	}
	t.Cleanup(func() { n.oracleSrv.Close() })

	n.httpAddr = fmt.Sprintf("127.0.0.1:%d", httpPortCounter.Add(1))

	n.api = api.New(n.httpAddr, n.engine, n)
	if err := n.api.Start(); err != nil {
		t.Fatalf("start http api: %v", err)
	}
	t.Cleanup(func() { n.api.Stop() })

	n.waitHealthy()

	return n
}

// waitHealthy polls /health until the HTTP server answers.
func (n *testNode) waitHealthy() {
	n.t.Helper()

	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + n.httpAddr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}

		time.Sleep(50 * time.Millisecond)
	}

	n.t.Fatalf("http api did not become healthy at %s", n.httpAddr)
}

// Client creates a client connected to the node.
func (n *testNode) Client() *client.Client {
	n.t.Helper()

	cli, err := client.NewClient(n.httpAddr)
	if err != nil {
		n.t.Fatalf("create client: %v", err)
	}

	return cli
}

// user bundles a client-side identity with its signing key.
type user struct {
	identity *client.Identity
	priv     ed25519.PrivateKey
}

// newUser creates a fresh user identity.
func newUser(t *testing.T) *user {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate user key: %v", err)
	}

	return &user{identity: client.IdentityFromKey(priv), priv: priv}
}

// newSession opens a decrypt session for the user with its own local
// grant cache and a non-interactive signer.
func newSession(t *testing.T, cli *client.Client, u *user) *client.Session {
	t.Helper()

	return client.NewSession(cli, u.identity, grant.NewKeySigner(u.priv), newSessionCache(t))
}

// newSessionCache opens a throwaway grant cache store.
func newSessionCache(t *testing.T) *grant.Cache {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open cache store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return grant.NewCache(db)
}
