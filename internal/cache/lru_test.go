package cache

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"phi-deid/internal/phi"
)

func sampleSet() phi.ResolvedSet {
	return phi.ResolvedSet{{Kind: phi.KindSSN, Value: "123-45-6789", Start: 5, End: 16, Confidence: 1, Source: phi.SourceRegex}}
}

// ── Basic contract ───────────────────────────────────────────────────────────

func TestGetPutClear(t *testing.T) {
	t.Parallel()
	c := New(10)

	if _, ok := c.Get("SSN: 123-45-6789"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Put("SSN: 123-45-6789", sampleSet())
	got, ok := c.Get("SSN: 123-45-6789")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if !reflect.DeepEqual(got, sampleSet()) {
		t.Errorf("unexpected set: %+v", got)
	}

	c.Clear()
	if _, ok := c.Get("SSN: 123-45-6789"); ok {
		t.Error("expected miss after Clear")
	}
	c.Clear() // idempotent
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d", c.Len())
	}
}

func TestPutStoresPrivateCopy(t *testing.T) {
	t.Parallel()
	c := New(10)
	set := sampleSet()
	c.Put("text", set)
	set[0].Kind = phi.KindName

	got, _ := c.Get("text")
	if got[0].Kind != phi.KindSSN {
		t.Errorf("cache entry mutated through caller slice: %s", got[0].Kind)
	}
}

func TestEmptySetIsAHit(t *testing.T) {
	t.Parallel()
	c := New(10)
	c.Put("nothing here", nil)
	got, ok := c.Get("nothing here")
	if !ok {
		t.Fatal("expected hit for empty set")
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil set, got %#v", got)
	}
}

func TestOverwriteKeepsSingleEntry(t *testing.T) {
	t.Parallel()
	c := New(10)
	c.Put("a", sampleSet())
	c.Put("a", phi.ResolvedSet{})
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	got, _ := c.Get("a")
	if len(got) != 0 {
		t.Errorf("expected overwritten value, got %+v", got)
	}
}

func TestNewClampsCapacity(t *testing.T) {
	t.Parallel()
	if got := New(0).Capacity(); got != DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", got, DefaultCapacity)
	}
}

// ── Eviction ────────────────────────────────────────────────────────────────

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := New(DefaultCapacity)

	for i := 0; i < DefaultCapacity+1; i++ {
		c.Put(fmt.Sprintf("text-%d", i), sampleSet())
	}

	if _, ok := c.Get("text-0"); ok {
		t.Error("expected text-0 to be evicted")
	}
	for i := 1; i <= DefaultCapacity; i++ {
		if _, ok := c.Get(fmt.Sprintf("text-%d", i)); !ok {
			t.Errorf("expected text-%d to remain resident", i)
		}
	}
	if s := c.Stats(); s.Evictions != 1 || s.Size != DefaultCapacity {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	t.Parallel()
	c := New(3)
	c.Put("a", nil)
	c.Put("b", nil)
	c.Put("c", nil)

	c.Get("a") // a becomes most recent; b is now oldest
	c.Put("d", nil)

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s resident", k)
		}
	}
}

// ── Fingerprint ─────────────────────────────────────────────────────────────

func TestFingerprintDistinguishesTexts(t *testing.T) {
	t.Parallel()
	a := FingerprintOf("Contact a@b.com")
	b := FingerprintOf("Contact a@b.com ")
	if a == b {
		t.Error("distinct texts share a fingerprint")
	}
	if a != FingerprintOf("Contact a@b.com") {
		t.Error("fingerprint is not deterministic")
	}
	if len(a.String()) != 16 {
		t.Errorf("short form %q", a.String())
	}
}

func TestCorruptEntryPanics(t *testing.T) {
	t.Parallel()
	c := New(4)
	c.Put("a", nil)
	key := FingerprintOf("a")

	c.mu.Lock()
	c.entryOf(c.entries[key]).key = FingerprintOf("b")
	c.mu.Unlock()

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, phi.ErrCacheCorruption) {
			t.Errorf("expected ErrCacheCorruption panic, got %v", r)
		}
	}()
	c.GetKey(key)
}

// ── Concurrency ─────────────────────────────────────────────────────────────

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := New(16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k-%d", (g*31+i)%40)
				if _, ok := c.Get(key); !ok {
					c.Put(key, sampleSet())
				}
			}
		}(g)
	}
	wg.Wait()

	if n := c.Len(); n > 16 {
		t.Errorf("Len %d exceeds capacity", n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) != c.order.Len() {
		t.Errorf("index (%d) and recency list (%d) disagree", len(c.entries), c.order.Len())
	}
}
