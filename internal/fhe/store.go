package fhe

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"CipherRate/internal/storage"
)

// ctPrefix is the storage key prefix for ciphertext blobs.
var ctPrefix = []byte("ct:")

// Store persists serialized ciphertexts keyed by handle. Blobs are
// zstd-compressed at rest; real homomorphic ciphertexts run to tens of
// kilobytes per value.
type Store struct {
	db      *storage.Store
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStore creates a ciphertext store on top of the given key-value store.
func NewStore(db *storage.Store) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

// Put stores a serialized ciphertext under its handle.
func (s *Store) Put(h Handle, ciphertext []byte) error {
	compressed := s.encoder.EncodeAll(ciphertext, nil)

	return s.db.Set(ctKey(h), compressed)
}

// Get loads the serialized ciphertext for a handle.
// Returns ErrHandleNotFound if no ciphertext is stored.
func (s *Store) Get(h Handle) ([]byte, error) {
	compressed, err := s.db.Get(ctKey(h))
	if err != nil {
		return nil, fmt.Errorf("load ciphertext:\n%w", err)
	}

	if compressed == nil {
		return nil, ErrHandleNotFound
	}

	ciphertext, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress ciphertext:\n%w", err)
	}

	return ciphertext, nil
}

// ctKey builds the storage key for a handle.
func ctKey(h Handle) []byte {
	key := make([]byte, 0, len(ctPrefix)+len(h))
	key = append(key, ctPrefix...)
	key = append(key, h[:]...)

	return key
}
