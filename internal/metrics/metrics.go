// Package metrics provides lightweight, lock-minimal counters for the
// de-identification pipeline.
//
// Counters use sync/atomic so hot paths (detection, anonymization) incur no
// mutex contention. Latency statistics use a single mutex per dimension;
// they are updated at most once per call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"phi-deid/internal/phi"
)

// knownPolicies pre-populates the per-policy counter map.
var knownPolicies = []string{"safe_harbor", "pseudonymize", "redact", "tag"}

// Metrics holds all runtime counters for a running pipeline.
// The zero value is safe to use, but per-kind and per-policy counters are
// only recorded when built with New.
type Metrics struct {
	// Detection counters
	TextsDetected     atomic.Int64
	CacheHits         atomic.Int64
	CacheMisses       atomic.Int64
	SharedDetections  atomic.Int64 // concurrent duplicates served by an in-flight call
	ProviderFailures  atomic.Int64
	InvalidCandidates atomic.Int64
	ValidatorRejected atomic.Int64

	// Batch counters
	BatchesRun     atomic.Int64
	BatchTextErrs  atomic.Int64
	Anonymizations atomic.Int64

	// Per-kind annotation counters and per-policy anonymization counters.
	// Maps are written only in New(); concurrent reads are safe without a lock.
	annotations map[phi.Kind]*atomic.Int64
	otherKinds  atomic.Int64
	policies    map[string]*atomic.Int64

	detectMu   sync.Mutex
	detectStat latencyStats

	anonMu   sync.Mutex
	anonStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-kind and
// per-policy counter maps pre-populated.
func New() *Metrics {
	kinds := phi.Kinds()
	m := &Metrics{
		startTime:   time.Now(),
		annotations: make(map[phi.Kind]*atomic.Int64, len(kinds)),
		policies:    make(map[string]*atomic.Int64, len(knownPolicies)),
	}
	for _, k := range kinds {
		m.annotations[k] = new(atomic.Int64)
	}
	for _, p := range knownPolicies {
		m.policies[p] = new(atomic.Int64)
	}
	return m
}

// RecordAnnotations counts the annotations of one resolved set by kind.
// Kinds without a built-in counter are aggregated under "other".
func (m *Metrics) RecordAnnotations(set phi.ResolvedSet) {
	if m == nil {
		return
	}
	for _, a := range set {
		if c, ok := m.annotations[a.Kind]; ok {
			c.Add(1)
			continue
		}
		m.otherKinds.Add(1)
	}
}

// RecordPolicy increments the anonymization counter for a policy.
// Unknown policies only count towards the total.
func (m *Metrics) RecordPolicy(policy string) {
	if m == nil {
		return
	}
	m.Anonymizations.Add(1)
	if c, ok := m.policies[policy]; ok {
		c.Add(1)
	}
}

// RecordDetectLatency records the duration of one detect call.
func (m *Metrics) RecordDetectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.detectMu.Lock()
	m.detectStat.record(float64(d.Microseconds()) / 1000.0)
	m.detectMu.Unlock()
}

// RecordAnonLatency records the duration of one anonymization pass.
func (m *Metrics) RecordAnonLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.anonMu.Lock()
	m.anonStat.record(float64(d.Microseconds()) / 1000.0)
	m.anonMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.detectMu.Lock()
	detect := m.detectStat.snapshot()
	m.detectMu.Unlock()

	m.anonMu.Lock()
	anon := m.anonStat.snapshot()
	m.anonMu.Unlock()

	byKind := make(map[string]int64, len(m.annotations)+1)
	for k, c := range m.annotations {
		if n := c.Load(); n > 0 {
			byKind[string(k)] = n
		}
	}
	if n := m.otherKinds.Load(); n > 0 {
		byKind["other"] = n
	}
	byPolicy := make(map[string]int64, len(m.policies))
	for p, c := range m.policies {
		if n := c.Load(); n > 0 {
			byPolicy[p] = n
		}
	}

	var uptime float64
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime).Seconds()
	}

	return Snapshot{
		Detection: DetectionSnapshot{
			Texts:             m.TextsDetected.Load(),
			CacheHits:         m.CacheHits.Load(),
			CacheMisses:       m.CacheMisses.Load(),
			Shared:            m.SharedDetections.Load(),
			ProviderFailures:  m.ProviderFailures.Load(),
			InvalidCandidates: m.InvalidCandidates.Load(),
			ValidatorRejected: m.ValidatorRejected.Load(),
			AnnotationsByKind: byKind,
		},
		Batch: BatchSnapshot{
			Runs:     m.BatchesRun.Load(),
			TextErrs: m.BatchTextErrs.Load(),
		},
		Anonymization: AnonSnapshot{
			Total:    m.Anonymizations.Load(),
			ByPolicy: byPolicy,
		},
		Latency: LatencyGroup{
			DetectMs:    detect,
			AnonymizeMs: anon,
		},
		UptimeSecs: uptime,
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Detection     DetectionSnapshot `json:"detection"`
	Batch         BatchSnapshot     `json:"batch"`
	Anonymization AnonSnapshot      `json:"anonymization"`
	Latency       LatencyGroup      `json:"latency"`
	UptimeSecs    float64           `json:"uptimeSecs"`
}

// DetectionSnapshot holds detection and cache counters.
type DetectionSnapshot struct {
	Texts             int64 `json:"texts"`
	CacheHits         int64 `json:"cacheHits"`
	CacheMisses       int64 `json:"cacheMisses"`
	Shared            int64 `json:"shared"`
	ProviderFailures  int64 `json:"providerFailures"`
	InvalidCandidates int64 `json:"invalidCandidates"`
	ValidatorRejected int64 `json:"validatorRejected"`

	// Only kinds with non-zero counts appear.
	AnnotationsByKind map[string]int64 `json:"annotationsByKind,omitempty"`
}

// BatchSnapshot holds batch orchestration counters.
type BatchSnapshot struct {
	Runs     int64 `json:"runs"`
	TextErrs int64 `json:"textErrors"`
}

// AnonSnapshot holds anonymization counters.
type AnonSnapshot struct {
	Total    int64            `json:"total"`
	ByPolicy map[string]int64 `json:"byPolicy,omitempty"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	DetectMs    LatencySnapshot `json:"detectMs"`
	AnonymizeMs LatencySnapshot `json:"anonymizeMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
