// PseudonymStore is the backing table of a PseudonymMap. It records
// (kind, original) → substitute mappings plus the reverse index used to keep
// substitutes unique per kind, and holds the session key that seeds
// substitute generation.
//
// Two implementations are provided:
//   - memoryStore: in-memory only, the default; a session ends with the process.
//   - boltStore: embedded key-value store (bbolt); a session survives restarts.
//
// Read-modify-write sequences are serialised by the PseudonymMap, not by the
// store. Stores only need to make individual calls safe for concurrent use.

package anonymizer

import (
	"crypto/rand"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"phi-deid/internal/logger"
	"phi-deid/internal/phi"
)

// sessionKeySize is the length of the key that seeds substitute generation.
const sessionKeySize = 32

// PseudonymStore persists pseudonym mappings for one session.
// All implementations must be safe for concurrent use.
type PseudonymStore interface {
	// Get returns the substitute recorded for (kind, original), if any.
	Get(kind phi.Kind, original string) (substitute string, ok bool)

	// Owner returns the original value that already maps to substitute
	// within kind, if any.
	Owner(kind phi.Kind, substitute string) (original string, ok bool)

	// Set records original → substitute and the reverse entry.
	Set(kind phi.Kind, original, substitute string) error

	// Len returns the number of recorded mappings.
	Len() int

	// Clear drops every mapping. The session key is kept.
	Clear() error

	// SessionKey returns the key for this session, creating it on first use.
	SessionKey() ([]byte, error)

	// Close releases any resources held by the store (e.g. file handles).
	Close() error
}

// storeKey joins kind and value with a separator that cannot occur in a kind.
func storeKey(kind phi.Kind, value string) string {
	return string(kind) + "\x00" + value
}

func newSessionKey() ([]byte, error) {
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// --- memoryStore ---------------------------------------------------------

// memoryStore is a thread-safe in-memory PseudonymStore.
type memoryStore struct {
	mu      sync.RWMutex
	forward map[string]string
	reverse map[string]string
	key     []byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() PseudonymStore {
	return &memoryStore{
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
}

func (s *memoryStore) Get(kind phi.Kind, original string) (string, bool) {
	s.mu.RLock()
	v, ok := s.forward[storeKey(kind, original)]
	s.mu.RUnlock()
	return v, ok
}

func (s *memoryStore) Owner(kind phi.Kind, substitute string) (string, bool) {
	s.mu.RLock()
	v, ok := s.reverse[storeKey(kind, substitute)]
	s.mu.RUnlock()
	return v, ok
}

func (s *memoryStore) Set(kind phi.Kind, original, substitute string) error {
	s.mu.Lock()
	s.forward[storeKey(kind, original)] = substitute
	s.reverse[storeKey(kind, substitute)] = original
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.forward)
}

func (s *memoryStore) Clear() error {
	s.mu.Lock()
	clear(s.forward)
	clear(s.reverse)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) SessionKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		key, err := newSessionKey()
		if err != nil {
			return nil, err
		}
		s.key = key
	}
	return s.key, nil
}

func (s *memoryStore) Close() error { return nil }

// --- boltStore -----------------------------------------------------------

var (
	bucketForward = []byte("pseudonyms")
	bucketReverse = []byte("pseudonyms_reverse")
	bucketMeta    = []byte("meta")
	metaKeyName   = []byte("session_key")
)

// boltStore is a PseudonymStore backed by an embedded bbolt database.
// Mappings and the session key survive process restarts. The database file
// is created at the given path if it does not exist.
type boltStore struct {
	db  *bolt.DB
	log *logger.Logger
}

// OpenBoltStore opens (or creates) the bbolt database at path and ensures
// its buckets exist.
func OpenBoltStore(path string, log *logger.Logger) (PseudonymStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open pseudonym store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketForward, bucketReverse, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create pseudonym buckets: %w", err)
	}

	log.Infof("store_open", "pseudonym store opened at %s", path)
	return &boltStore{db: db, log: log}, nil
}

// lookup reads one key from bucket. Missing keys and read errors are misses.
func (s *boltStore) lookup(bucket []byte, key string) (string, bool) {
	var val string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val, found = string(v), true
		}
		return nil
	})
	if err != nil {
		s.log.Errorf("store_get", "bbolt read error: %v", err)
		return "", false
	}
	return val, found
}

func (s *boltStore) Get(kind phi.Kind, original string) (string, bool) {
	return s.lookup(bucketForward, storeKey(kind, original))
}

func (s *boltStore) Owner(kind phi.Kind, substitute string) (string, bool) {
	return s.lookup(bucketReverse, storeKey(kind, substitute))
}

func (s *boltStore) Set(kind phi.Kind, original, substitute string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketForward).Put([]byte(storeKey(kind, original)), []byte(substitute)); err != nil {
			return err
		}
		return tx.Bucket(bucketReverse).Put([]byte(storeKey(kind, substitute)), []byte(original))
	})
}

func (s *boltStore) Len() int {
	var n int
	if err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketForward).Stats().KeyN
		return nil
	}); err != nil {
		s.log.Errorf("store_len", "bbolt read error: %v", err)
	}
	return n
}

func (s *boltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketForward, bucketReverse} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) SessionKey() ([]byte, error) {
	var key []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaKeyName); v != nil {
			key = append([]byte(nil), v...)
			return nil
		}
		fresh, err := newSessionKey()
		if err != nil {
			return err
		}
		key = fresh
		return meta.Put(metaKeyName, fresh)
	})
	if err != nil {
		return nil, fmt.Errorf("load session key: %w", err)
	}
	return key, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
