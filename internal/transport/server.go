package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"CipherRate/internal/logger"
)

// alpnProtocol is the ALPN protocol identifier.
const alpnProtocol = "cipherrate/1"

// Handler processes one request from an authenticated peer and returns
// the response payload.
type Handler func(peer ed25519.PublicKey, request []byte) ([]byte, error)

// Server accepts QUIC connections and serves request/response exchanges
// over bidirectional streams. One request per stream.
type Server struct {
	listener *quic.Listener
	handler  Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen starts a server on the given address with the node's identity
// key baked into its certificate.
func Listen(addr string, privateKey ed25519.PrivateKey, handler Handler) (*Server, error) {
	cert, err := generateCertificate(privateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // Peer identity is the key in its certificate
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		listener: listener,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the listener's address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting connections and waits for in-flight handlers.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()

	return err
}

// acceptLoop accepts incoming connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return // Listener closed
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn authenticates a connection and serves its streams.
func (s *Server) handleConn(conn *quic.Conn) {
	peerKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		logger.Debug("rejecting connection", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "unidentified peer")
		return
	}

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			return // Connection closed
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(peerKey, stream)
		}()
	}
}

// handleStream serves one request/response exchange. A panic in the
// handler costs at most this stream, never the process.
func (s *Server) handleStream(peerKey ed25519.PublicKey, stream *quic.Stream) {
	defer stream.Close()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("request handler panic",
				"peer", fmt.Sprintf("%x", peerKey[:8]),
				"panic", r,
			)
		}
	}()

	request, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "error", err)
		return
	}

	response, err := s.handler(peerKey, request)
	if err != nil {
		logger.Debug("request handler error", "error", err)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("stream write error", "error", err)
	}
}
