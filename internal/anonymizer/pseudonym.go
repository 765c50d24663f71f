package anonymizer

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync"

	"golang.org/x/crypto/blake2b"

	"phi-deid/internal/logger"
	"phi-deid/internal/phi"
)

// maxFormatAttempts bounds format-preserving retries before generation
// switches to fallbackToken.
const maxFormatAttempts = 8

// PseudonymMap assigns stable substitutes to (kind, value) pairs for one
// session. The first caller to request a pair fixes its substitute; every
// later or concurrent caller observes the same string.
//
// Substitutes are derived from a keyed BLAKE2b digest of the pair, so a
// session key reproduces them and nothing else can.
type PseudonymMap struct {
	mu    sync.Mutex // serialises get-or-generate
	store PseudonymStore
	key   []byte
	log   *logger.Logger
}

// NewPseudonymMap binds a map to store, loading or creating the session key.
func NewPseudonymMap(store PseudonymStore, log *logger.Logger) (*PseudonymMap, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	key, err := store.SessionKey()
	if err != nil {
		return nil, err
	}
	return &PseudonymMap{store: store, key: key, log: log}, nil
}

// Lookup returns the substitute already assigned to (kind, value).
func (m *PseudonymMap) Lookup(kind phi.Kind, value string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Get(kind, value)
}

// Substitute returns the substitute for (kind, value), generating and
// recording one on first use. The result never equals value and is never
// shared with another value of the same kind.
func (m *PseudonymMap) Substitute(kind phi.Kind, value string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.store.Get(kind, value); ok {
		return sub
	}

	var sub string
	for attempt := uint64(0); ; attempt++ {
		r := m.stream(kind, value, attempt)
		if attempt < maxFormatAttempts {
			sub = generate(kind, value, r)
		} else {
			sub = fallbackToken(kind, r)
		}
		if sub == value {
			continue
		}
		if owner, taken := m.store.Owner(kind, sub); taken && owner != value {
			continue
		}
		break
	}

	if err := m.store.Set(kind, value, sub); err != nil {
		// Generation is deterministic, so a later call regenerates the same
		// substitute unless a collision retry intervenes.
		m.log.Errorf("pseudonym_store", "record %s substitute: %v", kind, err)
	}
	return sub
}

// Len returns the number of assigned substitutes.
func (m *PseudonymMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Len()
}

// Clear forgets every assignment. The session key is kept, so values seen
// again receive the substitutes they had before.
func (m *PseudonymMap) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clear pseudonyms: %w", err)
	}
	return nil
}

// Close releases the backing store.
func (m *PseudonymMap) Close() error {
	return m.store.Close()
}

// stream returns the deterministic random stream for one generation attempt.
func (m *PseudonymMap) stream(kind phi.Kind, value string, attempt uint64) *rand.Rand {
	h, err := blake2b.New256(m.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(fmt.Sprintf("pseudonym key: %v", err))
	}
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(value))
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], attempt)
	h.Write(ctr[:])

	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return rand.New(rand.NewChaCha8(seed)) // #nosec G404 -- keyed deterministic stream, secrecy comes from the key
}
