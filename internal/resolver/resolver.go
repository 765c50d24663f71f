// Package resolver merges candidates from every active provider into a
// single ResolvedSet: sorted by start, no two spans sharing a byte.
//
// Candidates are sorted by preference (Better) and admitted greedily: each
// one is kept unless it intersects a span already kept. A candidate that
// loses to a stronger neighbour therefore survives whenever that neighbour
// itself loses to something it does not overlap. Overlap queries run on
// Fenwick trees over the compressed offsets, so the pass is O(n log n).
package resolver

import (
	"slices"
	"sort"

	"phi-deid/internal/phi"
)

// Better reports whether a should be kept over b when their spans overlap.
//
//  1. higher confidence
//  2. longer span
//  3. more trusted source (regex > ner > slm)
//  4. earlier start, then lexically smaller kind
//
// The remaining comparisons only make the order total so that resolution
// never depends on input order.
func Better(a, b phi.Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Len() != b.Len() {
		return a.Len() > b.Len()
	}
	if ra, rb := a.Source.Rank(), b.Source.Rank(); ra != rb {
		return ra < rb
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Value < b.Value
}

type spanKey struct {
	start, end int
	kind       phi.Kind
}

// Resolve validates candidates against text and merges them into a
// ResolvedSet. Malformed candidates are dropped and reported in the second
// return value as *phi.CandidateError; they never abort resolution.
func Resolve(text string, candidates []phi.Candidate) (phi.ResolvedSet, []error) {
	if len(candidates) == 0 {
		return phi.ResolvedSet{}, nil
	}

	var invalid []error
	byKey := make(map[spanKey]int, len(candidates))
	kept := make([]phi.Candidate, 0, len(candidates))
	for _, c := range candidates {
		c, err := c.Check(text)
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		// Same span and kind from a re-run provider: keep the stronger copy.
		k := spanKey{c.Start, c.End, c.Kind}
		if i, dup := byKey[k]; dup {
			if Better(c, kept[i]) {
				kept[i] = c
			}
			continue
		}
		byKey[k] = len(kept)
		kept = append(kept, c)
	}

	sort.Slice(kept, func(i, j int) bool { return Better(kept[i], kept[j]) })

	idx := newOffsetIndex(kept)
	out := make(phi.ResolvedSet, 0, len(kept))
	for _, c := range kept {
		if idx.intersects(c.Start, c.End) {
			continue
		}
		idx.add(c.Start, c.End)
		out = append(out, phi.Annotation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, invalid
}

// offsetIndex records a set of disjoint kept spans. starts counts span
// starts and ends counts span ends, each indexed by compressed offset.
type offsetIndex struct {
	offsets []int
	starts  fenwick
	ends    fenwick
}

func newOffsetIndex(cands []phi.Candidate) *offsetIndex {
	offsets := make([]int, 0, 2*len(cands))
	for _, c := range cands {
		offsets = append(offsets, c.Start, c.End)
	}
	sort.Ints(offsets)
	offsets = slices.Compact(offsets)
	return &offsetIndex{
		offsets: offsets,
		starts:  make(fenwick, len(offsets)+1),
		ends:    make(fenwick, len(offsets)+1),
	}
}

// pos returns the 1-based position of off, which must be a known offset.
func (x *offsetIndex) pos(off int) int {
	return sort.SearchInts(x.offsets, off) + 1
}

// intersects reports whether [start, end) shares a byte with a kept span:
// either a kept span starts inside it, or a kept span covers start.
func (x *offsetIndex) intersects(start, end int) bool {
	s, e := x.pos(start), x.pos(end)
	if x.starts.sum(e-1)-x.starts.sum(s-1) > 0 {
		return true
	}
	return x.starts.sum(s)-x.ends.sum(s) > 0
}

func (x *offsetIndex) add(start, end int) {
	x.starts.inc(x.pos(start))
	x.ends.inc(x.pos(end))
}

// fenwick is a binary indexed tree of counts, 1-based.
type fenwick []int

func (f fenwick) inc(i int) {
	for ; i < len(f); i += i & -i {
		f[i]++
	}
}

// sum returns the count at positions 1..i.
func (f fenwick) sum(i int) int {
	n := 0
	for ; i > 0; i -= i & -i {
		n += f[i]
	}
	return n
}
