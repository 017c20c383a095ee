package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeebo/blake3"

	"CipherRate/internal/acl"
	"CipherRate/internal/api"
	"CipherRate/internal/coproc"
	"CipherRate/internal/engine"
	"CipherRate/internal/fhe"
	"CipherRate/internal/logger"
	"CipherRate/internal/oracle"
	"CipherRate/internal/storage"
	"CipherRate/internal/transport"
)

// backendSeedDomain binds the arithmetic-layer seed to the node identity.
const backendSeedDomain = "cipherrate-backend-seed"

// Node represents a running CipherRate node.
type Node struct {
	cfg        *Config
	storage    *storage.Store
	ctStore    *fhe.Store
	backend    fhe.Backend
	networkKey [32]byte
	pool       *coproc.Pool
	acl        *acl.Manager
	engine     *engine.Engine
	oracle     *oracle.Oracle
	oracleSrv  *transport.Server
	api        *api.Server
	contract   [32]byte
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	n.contract = blake3.Sum256(pubKey)

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initBackend(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initEngine(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initOracle(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	dbPath := n.cfg.DataPath + "/db"

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// initBackend initializes the ciphertext arithmetic layer: the built-in
// sealed backend, or a WASM coprocessor when one is configured. Both
// derive their keys from the node identity, so the published network key
// is the same either way.
func (n *Node) initBackend() error {
	ctStore, err := fhe.NewStore(n.storage)
	if err != nil {
		return fmt.Errorf("init ciphertext store:\n%w", err)
	}
	n.ctStore = ctStore

	seed := backendSeed(n.cfg.PrivateKey)

	n.networkKey, err = fhe.DeriveNetworkKey(seed)
	if err != nil {
		return fmt.Errorf("derive network key:\n%w", err)
	}

	if n.cfg.CoprocessorPath == "" {
		backend, err := fhe.NewSealedBackend(seed, ctStore)
		if err != nil {
			return fmt.Errorf("init sealed backend:\n%w", err)
		}

		n.backend = backend

		return nil
	}

	wasmBytes, err := os.ReadFile(n.cfg.CoprocessorPath)
	if err != nil {
		return fmt.Errorf("read coprocessor module:\n%w", err)
	}

	pool := coproc.NewPool(seed)

	moduleID, err := pool.Load(wasmBytes)
	if err != nil {
		pool.Close()
		return fmt.Errorf("load coprocessor module:\n%w", err)
	}

	logger.Info("coprocessor loaded", "module", fmt.Sprintf("%x", moduleID[:8]))

	n.pool = pool
	n.backend = coproc.NewBackend(pool, ctStore)

	return nil
}

// backendSeed derives the arithmetic-layer seed from the node key.
func backendSeed(privKey ed25519.PrivateKey) [32]byte {
	h := blake3.New()
	h.Write([]byte(backendSeedDomain))
	h.Write(privKey.Seed())

	var seed [32]byte
	h.Sum(seed[:0])

	return seed
}

// initEngine initializes the ACL manager and the aggregation engine.
func (n *Node) initEngine() error {
	aclMgr, err := acl.New(n.storage, n.contract)
	if err != nil {
		return fmt.Errorf("init acl:\n%w", err)
	}
	n.acl = aclMgr

	eng, err := engine.New(n.backend, aclMgr, n.storage, n.contract)
	if err != nil {
		return fmt.Errorf("init engine:\n%w", err)
	}
	n.engine = eng

	return nil
}

// initOracle initializes the decryption oracle and its attestation key.
func (n *Node) initOracle() error {
	keys, err := oracle.DeriveFromED25519(n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive attestation key:\n%w", err)
	}

	n.oracle = oracle.New(n.backend, n.acl, keys)

	return nil
}

// Run starts the oracle and HTTP servers and blocks until a shutdown
// signal arrives.
func (n *Node) Run() error {
	oracleSrv, err := transport.Listen(n.cfg.OracleAddress, n.cfg.PrivateKey, n.oracle.Handler())
	if err != nil {
		return fmt.Errorf("start oracle server:\n%w", err)
	}
	n.oracleSrv = oracleSrv

	logger.Info("oracle started", "addr", oracleSrv.Addr())

	n.api = api.New(n.cfg.HTTPAddress, n.engine, n)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start http api:\n%w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close releases all node resources.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
		n.api = nil
	}

	if n.oracleSrv != nil {
		n.oracleSrv.Close()
		n.oracleSrv = nil
	}

	if n.pool != nil {
		n.pool.Close()
		n.pool = nil
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
		n.storage = nil
	}

	return nil
}

// Contract returns the engine instance identity.
func (n *Node) Contract() [32]byte {
	return n.contract
}

// NetworkPublicKey returns the X25519 key scores are encrypted to.
func (n *Node) NetworkPublicKey() [32]byte {
	return n.networkKey
}

// BLSPublicKey returns the oracle's compressed attestation public key.
func (n *Node) BLSPublicKey() []byte {
	return n.oracle.PublicKeyBytes()
}

// OracleAddr returns the QUIC decrypt endpoint address.
func (n *Node) OracleAddr() string {
	if n.oracleSrv == nil {
		return n.cfg.OracleAddress
	}

	return n.oracleSrv.Addr()
}
