package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"CipherRate/internal/acl"
	"CipherRate/internal/engine"
	"CipherRate/internal/fhe"
	"CipherRate/internal/storage"
)

// --- helpers ---

type stubStatus struct {
	contract   [32]byte
	networkKey [32]byte
}

func (s stubStatus) Contract() [32]byte         { return s.contract }
func (s stubStatus) NetworkPublicKey() [32]byte { return s.networkKey }
func (s stubStatus) BLSPublicKey() []byte       { return bytes.Repeat([]byte{1}, 48) }
func (s stubStatus) OracleAddr() string         { return "127.0.0.1:9000" }

type testEnv struct {
	server  *Server
	backend *fhe.SealedBackend
	priv    ed25519.PrivateKey
	caller  [32]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctStore, err := fhe.NewStore(db)
	if err != nil {
		t.Fatalf("create ciphertext store: %v", err)
	}

	backend, err := fhe.NewSealedBackend([32]byte{3}, ctStore)
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}

	contract := [32]byte{5}

	aclMgr, err := acl.New(db, contract)
	if err != nil {
		t.Fatalf("create acl: %v", err)
	}

	eng, err := engine.New(backend, aclMgr, db, contract)
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate caller key: %v", err)
	}

	env := &testEnv{
		server:  New(":0", eng, stubStatus{contract: contract, networkKey: backend.NetworkPublicKey()}),
		backend: backend,
		priv:    priv,
	}
	copy(env.caller[:], pub)

	return env
}

// do routes a request through the server's mux without a listener.
func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /subjects/{subject}/ratings", env.server.handleSubmit)
	mux.HandleFunc("POST /subjects/{subject}/average", env.server.handleAverage)
	mux.HandleFunc("GET /subjects/{subject}/sum", env.server.handleSum)
	mux.HandleFunc("GET /subjects/{subject}/count", env.server.handleCount)
	mux.HandleFunc("GET /status", env.server.handleStatus)
	mux.HandleFunc("GET /health", env.server.handleHealth)

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	return rec
}

// submitBody builds a valid submission body for the given score.
func (env *testEnv) submitBody(t *testing.T, value uint64) submitRequest {
	t.Helper()

	external, err := fhe.EncryptExternal(env.backend.NetworkPublicKey(), value, fhe.Uint8)
	if err != nil {
		t.Fatalf("encrypt external: %v", err)
	}

	proof := fhe.ProveImport(env.priv, [32]byte{5}, external)

	return submitRequest{
		External: hex.EncodeToString(external),
		Proof:    hex.EncodeToString(proof),
		Caller:   hex.EncodeToString(env.caller[:]),
	}
}

// --- endpoints ---

func TestSubmitAndCount(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/subjects/alice/ratings", env.submitBody(t, 4))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}

	rec = env.do(t, "GET", "/subjects/alice/count", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("count status = %d", rec.Code)
	}

	var resp struct {
		Count uint32 `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestSubmitRejectsBadProof(t *testing.T) {
	env := newTestEnv(t)

	body := env.submitBody(t, 4)
	body.Proof = hex.EncodeToString(bytes.Repeat([]byte{7}, 64))

	rec := env.do(t, "POST", "/subjects/alice/ratings", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad proof status = %d, want 400", rec.Code)
	}

	rec = env.do(t, "GET", "/subjects/alice/count", nil)

	var resp struct {
		Count uint32 `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("count after rejected submit = %d, want 0", resp.Count)
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/subjects/alice/ratings", map[string]string{
		"external": "not hex",
		"proof":    "",
		"caller":   "",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestAverageReturnsHandle(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		rec := env.do(t, "POST", "/subjects/bob/ratings", env.submitBody(t, 4))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d status = %d", i, rec.Code)
		}
	}

	rec := env.do(t, "POST", "/subjects/bob/average", averageRequest{
		Caller: hex.EncodeToString(env.caller[:]),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("average status = %d, body %s", rec.Code, rec.Body)
	}

	var resp struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode average: %v", err)
	}

	raw, err := hex.DecodeString(resp.Handle)
	if err != nil || len(raw) != 32 {
		t.Fatalf("handle field is not a 32-byte hex string: %q", resp.Handle)
	}

	var h fhe.Handle
	copy(h[:], raw)

	value, _, err := env.backend.Decrypt(h)
	if err != nil {
		t.Fatalf("decrypt average handle: %v", err)
	}
	if value != 400 {
		t.Errorf("average = %d, want 400", value)
	}
}

func TestStatusExposesIdentity(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Contract   string `json:"contract"`
		NetworkKey string `json:"networkKey"`
		OracleAddr string `json:"oracleAddr"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}

	if len(resp.Contract) != 64 || len(resp.NetworkKey) != 64 {
		t.Error("identity fields are not 32-byte hex strings")
	}
	if resp.OracleAddr == "" {
		t.Error("missing oracle address")
	}
}
