package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"
)

// --- helpers ---

func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

func startEcho(t *testing.T, priv ed25519.PrivateKey, handler Handler) *Server {
	t.Helper()

	srv, err := Listen("127.0.0.1:0", priv, handler)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return srv
}

// --- request/response ---

func TestRequestResponse(t *testing.T) {
	serverKey := newKey(t)
	clientKey := newKey(t)

	var gotPeer ed25519.PublicKey
	var mu sync.Mutex

	srv := startEcho(t, serverKey, func(peer ed25519.PublicKey, request []byte) ([]byte, error) {
		mu.Lock()
		gotPeer = peer
		mu.Unlock()

		return append([]byte("echo:"), request...), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.Addr(), clientKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if !conn.RemoteKey().Equal(serverKey.Public().(ed25519.PublicKey)) {
		t.Error("server key mismatch")
	}

	response, err := conn.Request(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !bytes.Equal(response, []byte("echo:hello")) {
		t.Errorf("response = %q", response)
	}

	mu.Lock()
	defer mu.Unlock()

	if !gotPeer.Equal(clientKey.Public().(ed25519.PublicKey)) {
		t.Error("handler saw the wrong peer key")
	}
}

func TestConcurrentRequests(t *testing.T) {
	srv := startEcho(t, newKey(t), func(_ ed25519.PublicKey, request []byte) ([]byte, error) {
		return request, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.Addr(), newKey(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			payload := []byte{byte(i)}

			response, err := conn.Request(ctx, payload)
			if err != nil {
				errCh <- err
				return
			}

			if !bytes.Equal(response, payload) {
				errCh <- err
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent request: %v", err)
	}
}

func TestLargeMessage(t *testing.T) {
	srv := startEcho(t, newKey(t), func(_ ed25519.PublicKey, request []byte) ([]byte, error) {
		return request, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := Dial(ctx, srv.Addr(), newKey(t))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 256*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("fill payload: %v", err)
	}

	response, err := conn.Request(ctx, payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !bytes.Equal(response, payload) {
		t.Error("large payload corrupted in transit")
	}
}
