package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// defaultRequestTimeout is the default timeout for Request calls.
const defaultRequestTimeout = 30 * time.Second

// Conn is a client connection to a server. Each Request runs on its own
// bidirectional stream, so concurrent requests are safe.
type Conn struct {
	conn      *quic.Conn
	remoteKey ed25519.PublicKey
}

// Dial connects to a server and authenticates both ends through their
// certificate keys.
func Dial(ctx context.Context, addr string, privateKey ed25519.PrivateKey) (*Conn, error) {
	cert, err := generateCertificate(privateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // Peer identity is the key in its certificate
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	remoteKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "unidentified server")
		return nil, fmt.Errorf("extract server key:\n%w", err)
	}

	return &Conn{conn: conn, remoteKey: remoteKey}, nil
}

// RemoteKey returns the server's ed25519 public key.
func (c *Conn) RemoteKey() ed25519.PublicKey {
	return c.remoteKey
}

// Request sends data and waits for the response on a fresh bidirectional
// stream.
func (c *Conn) Request(ctx context.Context, data []byte) ([]byte, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}
