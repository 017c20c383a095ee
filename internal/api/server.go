// Package api is the node's public HTTP surface: score submission, the
// aggregate queries and the node status endpoint. Decryption never goes
// through HTTP; it has its own authenticated QUIC endpoint.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"CipherRate/internal/engine"
	"CipherRate/internal/fhe"
	"CipherRate/internal/logger"
)

// maxBodySize is the maximum request body size in bytes.
const maxBodySize = 1 << 20 // 1 MB

// StatusProvider exposes node identity and endpoints for clients.
type StatusProvider interface {
	Contract() [32]byte
	NetworkPublicKey() [32]byte
	BLSPublicKey() []byte
	OracleAddr() string
}

// Server is the HTTP API server.
type Server struct {
	addr   string         // addr is the HTTP listen address
	engine *engine.Engine // engine executes submit and query operations
	status StatusProvider // status provides node identity for clients
	server *http.Server   // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, eng *engine.Engine, status StatusProvider) *Server {
	return &Server{
		addr:   addr,
		engine: eng,
		status: status,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /subjects/{subject}/ratings", s.handleSubmit)
	mux.HandleFunc("POST /subjects/{subject}/average", s.handleAverage)
	mux.HandleFunc("GET /subjects/{subject}/sum", s.handleSum)
	mux.HandleFunc("GET /subjects/{subject}/count", s.handleCount)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// submitRequest is the body of POST /subjects/{subject}/ratings.
type submitRequest struct {
	External string `json:"external"` // hex external ciphertext
	Proof    string `json:"proof"`    // hex import proof
	Caller   string `json:"caller"`   // hex 32-byte principal
}

// handleSubmit handles POST /subjects/{subject}/ratings requests.
// Submission is not idempotent: posting the same ciphertext again counts
// again.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "missing subject")
		return
	}

	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	external, err := hex.DecodeString(req.External)
	if err != nil || len(external) == 0 {
		writeError(w, http.StatusBadRequest, "invalid external ciphertext")
		return
	}

	proof, err := hex.DecodeString(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proof")
		return
	}

	caller, err := decodePrincipal(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caller")
		return
	}

	if err := s.engine.Submit(subject, external, proof, caller); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"count": s.engine.QueryCount(subject),
	})
}

// averageRequest is the body of POST /subjects/{subject}/average.
type averageRequest struct {
	Caller string `json:"caller"` // hex 32-byte principal granted on the result
}

// handleAverage handles POST /subjects/{subject}/average requests. POST
// because the operation grants the caller permission on the result
// handle; it is a state transition, not a read.
func (s *Server) handleAverage(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "missing subject")
		return
	}

	var req averageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller, err := decodePrincipal(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid caller")
		return
	}

	h, err := s.engine.QueryAverage(subject, caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	logger.Debug("average granted", "subject", subject, "handle", h.Short())

	writeJSON(w, http.StatusOK, map[string]string{
		"handle": h.Hex(),
	})
}

// handleSum handles GET /subjects/{subject}/sum requests.
func (s *Server) handleSum(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "missing subject")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"handle": s.engine.QuerySum(subject).Hex(),
	})
}

// handleCount handles GET /subjects/{subject}/count requests.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "missing subject")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": s.engine.QueryCount(subject),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	contract := s.status.Contract()
	networkKey := s.status.NetworkPublicKey()

	writeJSON(w, http.StatusOK, map[string]any{
		"contract":   hex.EncodeToString(contract[:]),
		"networkKey": hex.EncodeToString(networkKey[:]),
		"blsKey":     hex.EncodeToString(s.status.BLSPublicKey()),
		"oracleAddr": s.status.OracleAddr(),
	})
}

// decodeBody parses a JSON request body with a size cap.
func decodeBody(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.New("failed to read body")
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errors.New("invalid json body")
	}

	return nil
}

// decodePrincipal parses a hex 32-byte principal.
func decodePrincipal(s string) ([32]byte, error) {
	var principal [32]byte

	raw, err := hex.DecodeString(s)
	if err != nil {
		return principal, err
	}
	if len(raw) != 32 {
		return principal, errors.New("principal must be 32 bytes")
	}

	copy(principal[:], raw)

	return principal, nil
}

// writeEngineError maps engine errors to HTTP status codes. Input
// validation failures are 400; everything else is treated as transient.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fhe.ErrInvalidProof), errors.Is(err, fhe.ErrTypeMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
