// Package engine owns the per-subject encrypted running statistics and
// the submit/query operations over them. All arithmetic happens on
// ciphertext handles; the engine never sees a score in cleartext.
package engine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"CipherRate/internal/acl"
	"CipherRate/internal/fhe"
	"CipherRate/internal/logger"
	"CipherRate/internal/storage"
)

const (
	// scoreMin and scoreMax bound the accepted score range. Out-of-range
	// submissions are clamped in ciphertext space, never rejected.
	scoreMin = 1
	scoreMax = 5

	// scaleFactor preserves two implied decimal digits in averages.
	scaleFactor = 100
)

// statsPrefix is the storage key prefix for per-subject stats records.
var statsPrefix = []byte("st:")

// Stats is one subject's running aggregate: an encrypted sum at the wide
// accumulator width and a plain submission count. Count is monotonically
// non-decreasing and wraps silently at 2^32; the wrap is accepted,
// documented behavior, not an error.
type Stats struct {
	Sum   fhe.Handle // Sum is the encrypted sum of clamped contributions
	Count uint32     // Count is the plain number of submissions
}

// Engine aggregates encrypted scores per subject. One Engine instance
// exclusively owns its subject map; mutations to a single subject are
// serialized, distinct subjects proceed fully concurrently.
type Engine struct {
	backend  fhe.Backend
	acl      *acl.Manager
	db       *storage.Store
	contract [32]byte // contract is this engine instance's identity

	mu    sync.Mutex // mu protects stats and locks maps
	stats map[[32]byte]Stats
	locks map[[32]byte]*sync.Mutex
}

// New creates an Engine and restores persisted subject stats.
func New(backend fhe.Backend, aclMgr *acl.Manager, db *storage.Store, contract [32]byte) (*Engine, error) {
	e := &Engine{
		backend:  backend,
		acl:      aclMgr,
		db:       db,
		contract: contract,
		stats:    make(map[[32]byte]Stats),
		locks:    make(map[[32]byte]*sync.Mutex),
	}

	if err := e.load(); err != nil {
		return nil, fmt.Errorf("load stats:\n%w", err)
	}

	return e, nil
}

// load restores subject stats records from storage.
func (e *Engine) load() error {
	return e.db.IteratePrefix(statsPrefix, func(key, value []byte) error {
		body := key[len(statsPrefix):]
		if len(body) != 32 || len(value) != 36 {
			return nil
		}

		var subject [32]byte
		copy(subject[:], body)

		var s Stats
		copy(s.Sum[:], value[:32])
		s.Count = binary.LittleEndian.Uint32(value[32:])

		e.stats[subject] = s

		return nil
	})
}

// Contract returns this engine instance's identity.
func (e *Engine) Contract() [32]byte {
	return e.contract
}

// SubjectKey derives the internal key for a subject name.
func SubjectKey(subject string) [32]byte {
	return blake3.Sum256([]byte(subject))
}

// Submit imports an externally encrypted score, clamps it into the
// accepted range in ciphertext space, and folds it into the subject's
// running sum. The whole transition is atomic: either the new sum handle,
// the incremented count and the engine's standing permission all commit,
// or the subject's stats are left exactly as before.
//
// Submissions are not idempotent: resubmitting the same external
// ciphertext counts again. Duplicate prevention is out of scope here.
func (e *Engine) Submit(subject string, external, proof []byte, caller [32]byte) error {
	imported, width, err := e.backend.VerifiedImport(external, proof, e.contract, caller)
	if err != nil {
		return err
	}

	// Scores arrive at the narrow width only.
	if width != fhe.Uint8 {
		return fhe.ErrTypeMismatch
	}

	clamped, err := e.clamp(imported)
	if err != nil {
		return fmt.Errorf("clamp score:\n%w", err)
	}

	wide, err := e.backend.Cast(clamped, fhe.Uint32)
	if err != nil {
		return fmt.Errorf("widen score:\n%w", err)
	}

	key := SubjectKey(subject)

	lock := e.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	return e.commitSubmission(key, wide)
}

// clamp forces a narrow score handle into [scoreMin, scoreMax] using only
// ciphertext-space min/max. No comparison result is ever decrypted.
func (e *Engine) clamp(h fhe.Handle) (fhe.Handle, error) {
	low, err := e.backend.TrivialEncrypt(scoreMin, fhe.Uint8)
	if err != nil {
		return fhe.Handle{}, err
	}

	high, err := e.backend.TrivialEncrypt(scoreMax, fhe.Uint8)
	if err != nil {
		return fhe.Handle{}, err
	}

	raised, err := e.backend.Max(h, low)
	if err != nil {
		return fhe.Handle{}, err
	}

	return e.backend.Min(raised, high)
}

// commitSubmission folds a widened, clamped contribution into the
// subject's stats under the subject lock.
func (e *Engine) commitSubmission(key [32]byte, wide fhe.Handle) error {
	current, exists := e.currentStats(key)

	sum := current.Sum
	if !exists {
		// Lazy initialization on first write: the prior sum is a
		// freshly encrypted zero.
		var err error
		sum, err = e.backend.TrivialEncrypt(0, fhe.Uint32)
		if err != nil {
			return fmt.Errorf("init zero sum:\n%w", err)
		}
	}

	newSum, err := e.backend.Add(sum, wide)
	if err != nil {
		return fmt.Errorf("accumulate sum:\n%w", err)
	}

	next := Stats{Sum: newSum, Count: current.Count + 1}

	// Sum, count and the engine's standing permission over the new sum
	// handle commit in one batch; no observer sees a partial update.
	pairs := []storage.KeyValue{
		statsEntry(key, next),
		acl.Entry(newSum, e.acl.Self()),
	}

	if err := e.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("commit stats:\n%w", err)
	}

	e.acl.Apply(newSum, e.acl.Self())
	e.setStats(key, next)

	logger.Debug("score submitted",
		"subject", fmt.Sprintf("%x", key[:8]),
		"count", next.Count,
		"sum", next.Sum.Short(),
	)

	return nil
}

// QueryAverage computes the subject's scaled average and grants the
// calling principal decryption permission on the result handle. The
// engine's own standing permission is refreshed as well: the handle is
// new, so both grants are required even though the underlying sum did not
// change. This makes QueryAverage a real state transition at the ACL
// layer, not a pure read.
//
// The returned handle decrypts to floor(sum * 100 / count), or 0 for a
// subject with no submissions.
func (e *Engine) QueryAverage(subject string, caller [32]byte) (fhe.Handle, error) {
	key := SubjectKey(subject)

	lock := e.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	current, exists := e.currentStats(key)

	var result fhe.Handle
	var err error

	if !exists || current.Count == 0 {
		// Defined non-error result: a fresh encrypted zero,
		// distinguishable from "floors to zero" only via QueryCount.
		result, err = e.backend.TrivialEncrypt(0, fhe.Uint32)
		if err != nil {
			return fhe.Handle{}, fmt.Errorf("encrypt zero average:\n%w", err)
		}
	} else {
		result, err = e.scaledAverage(current)
		if err != nil {
			return fhe.Handle{}, err
		}
	}

	// Both grants commit atomically; a failure leaves no partial
	// permission state behind.
	pairs := []storage.KeyValue{
		acl.Entry(result, caller),
		acl.Entry(result, e.acl.Self()),
	}

	if err := e.db.SetBatch(pairs); err != nil {
		return fhe.Handle{}, fmt.Errorf("commit grants:\n%w", err)
	}

	e.acl.Apply(result, caller)
	e.acl.Apply(result, e.acl.Self())

	return result, nil
}

// scaledAverage computes floor(sum * scaleFactor / count): ciphertext
// multiplication by an encrypted constant, then division by the clear
// count.
func (e *Engine) scaledAverage(s Stats) (fhe.Handle, error) {
	scale, err := e.backend.TrivialEncrypt(scaleFactor, fhe.Uint32)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("encrypt scale constant:\n%w", err)
	}

	scaled, err := e.backend.Mul(s.Sum, scale)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("scale sum:\n%w", err)
	}

	result, err := e.backend.ScalarDiv(scaled, uint64(s.Count))
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("divide by count:\n%w", err)
	}

	return result, nil
}

// QuerySum returns the subject's encrypted sum handle. Pure read: no ACL
// effect, and the handle is useless without a decryption grant. An
// untouched subject returns the zero handle.
func (e *Engine) QuerySum(subject string) fhe.Handle {
	key := SubjectKey(subject)

	lock := e.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	current, _ := e.currentStats(key)

	return current.Sum
}

// QueryCount returns the subject's plain submission count. Pure read.
func (e *Engine) QueryCount(subject string) uint32 {
	key := SubjectKey(subject)

	lock := e.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	current, _ := e.currentStats(key)

	return current.Count
}

// subjectLock returns the mutex serializing one subject's transitions.
func (e *Engine) subjectLock(key [32]byte) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}

	return lock
}

// currentStats reads a subject's stats. Caller holds the subject lock.
func (e *Engine) currentStats(key [32]byte) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.stats[key]

	return s, ok
}

// setStats updates a subject's cached stats. Caller holds the subject lock.
func (e *Engine) setStats(key [32]byte, s Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats[key] = s
}

// statsEntry builds the storage pair for a subject's stats record.
// Layout: 32-byte sum handle || u32 little-endian count.
func statsEntry(key [32]byte, s Stats) storage.KeyValue {
	k := make([]byte, 0, len(statsPrefix)+32)
	k = append(k, statsPrefix...)
	k = append(k, key[:]...)

	v := make([]byte, 36)
	copy(v[:32], s.Sum[:])
	binary.LittleEndian.PutUint32(v[32:], s.Count)

	return storage.KeyValue{Key: k, Value: v}
}
