// Package segmap implements an ordered, additive-merging interval container
// keyed by reference coordinate: a sorted breakpoint array whose intervals
// carry values merged with a caller-supplied associative operator, so that
// overlapping inserts accumulate rather than replace.
package segmap

import "sort"

// Merge combines the aggregate values of two intervals that cover the same
// span. It must be associative and commutative for Map's guarantees to hold.
type Merge[V any] func(a, b V) V

// Map is an ordered collection of disjoint, contiguous half-open intervals
// covering [first breakpoint, last breakpoint), each carrying an aggregate
// value of type V; positions outside that range read as the zero value. New
// inserts are merged into the existing aggregate over the inserted span,
// splitting existing intervals at the insert's boundaries as needed.
//
// Map is not safe for concurrent use; callers needing concurrent reads after
// construction should treat a built Map as read-only and share it by
// pointer, as BulkContext does.
type Map[V any] struct {
	// bounds holds len(vals)+1 sorted breakpoints; vals[i] covers
	// [bounds[i], bounds[i+1]).
	bounds []int64
	vals   []V
	zero   V
	merge  Merge[V]
}

// New returns an empty Map whose implicit background value is zero.
func New[V any](zero V, merge Merge[V]) *Map[V] {
	return &Map[V]{zero: zero, merge: merge}
}

// split ensures that pos is a breakpoint, returning its index in m.bounds.
// If pos falls strictly inside an existing interval, that interval is cut in
// two, duplicating its value; if pos lies before the first or past the last
// breakpoint, the gap becomes a new zero-valued interval.
func (m *Map[V]) split(pos int64) int {
	idx := sort.Search(len(m.bounds), func(i int) bool { return m.bounds[i] >= pos })
	if idx < len(m.bounds) && m.bounds[idx] == pos {
		return idx
	}
	wasEnd := idx == len(m.bounds)
	m.bounds = append(m.bounds, 0)
	copy(m.bounds[idx+1:], m.bounds[idx:])
	m.bounds[idx] = pos
	switch {
	case idx == 0:
		// pos precedes every known interval: [pos, oldFirst) starts at zero.
		m.vals = append(m.vals, m.zero)
		copy(m.vals[1:], m.vals)
		m.vals[0] = m.zero
	case wasEnd:
		// pos follows every known interval: [oldLast, pos) starts at zero.
		m.vals = append(m.vals, m.zero)
	default:
		m.vals = append(m.vals, m.zero)
		copy(m.vals[idx:], m.vals[idx-1:])
		m.vals[idx] = m.vals[idx-1]
	}
	return idx
}

// Add merges v into every position in [start, end), creating new
// breakpoints as needed. Add is a no-op if end <= start.
func (m *Map[V]) Add(start, end int64, v V) {
	if end <= start {
		return
	}
	if len(m.bounds) == 0 {
		m.bounds = []int64{start, end}
		m.vals = []V{v}
		return
	}
	startIdx := m.split(start)
	endIdx := m.split(end)
	for i := startIdx; i < endIdx; i++ {
		m.vals[i] = m.merge(m.vals[i], v)
	}
}

// At returns the aggregate value at pos, or the zero value if pos is
// outside every inserted interval.
func (m *Map[V]) At(pos int64) V {
	idx := sort.Search(len(m.bounds), func(i int) bool { return m.bounds[i] > pos }) - 1
	if idx < 0 || idx >= len(m.vals) {
		return m.zero
	}
	return m.vals[idx]
}

// Entry is one interval and its aggregate value, as returned by Intervals.
type Entry[V any] struct {
	Start, End int64
	Value      V
}

// Intervals returns every stored interval in increasing order of Start.
func (m *Map[V]) Intervals() []Entry[V] {
	out := make([]Entry[V], len(m.vals))
	for i, v := range m.vals {
		out[i] = Entry[V]{Start: m.bounds[i], End: m.bounds[i+1], Value: v}
	}
	return out
}

// Query returns every stored interval intersecting [start, end), clipped to
// that range.
func (m *Map[V]) Query(start, end int64) []Entry[V] {
	if end <= start || len(m.vals) == 0 {
		return nil
	}
	lo := sort.Search(len(m.bounds), func(i int) bool { return m.bounds[i] > start }) - 1
	if lo < 0 {
		lo = 0
	}
	var out []Entry[V]
	for i := lo; i < len(m.vals) && m.bounds[i] < end; i++ {
		s, e := m.bounds[i], m.bounds[i+1]
		if s < start {
			s = start
		}
		if e > end {
			e = end
		}
		if s < e {
			out = append(out, Entry[V]{Start: s, End: e, Value: m.vals[i]})
		}
	}
	return out
}

// MergeFrom folds other into m in place, using m's merge operator. The two maps
// must share the same merge semantics; other's zero value is ignored.
func (m *Map[V]) MergeFrom(other *Map[V]) {
	for _, e := range other.Intervals() {
		m.Add(e.Start, e.End, e.Value)
	}
}

// ByChr is a chromosome-keyed collection of Maps sharing one merge
// operator and zero value.
type ByChr[V any] struct {
	zero  V
	merge Merge[V]
	chrs  map[string]*Map[V]
}

// NewByChr returns an empty per-chromosome interval map collection.
func NewByChr[V any](zero V, merge Merge[V]) *ByChr[V] {
	return &ByChr[V]{zero: zero, merge: merge, chrs: make(map[string]*Map[V])}
}

// Add merges v into chr's map over [start, end), creating the chromosome's
// map on first use.
func (b *ByChr[V]) Add(chr string, start, end int64, v V) {
	m, ok := b.chrs[chr]
	if !ok {
		m = New(b.zero, b.merge)
		b.chrs[chr] = m
	}
	m.Add(start, end, v)
}

// At returns the aggregate at (chr, pos), or the zero value if chr is
// unknown or pos is uncovered.
func (b *ByChr[V]) At(chr string, pos int64) V {
	m, ok := b.chrs[chr]
	if !ok {
		return b.zero
	}
	return m.At(pos)
}

// Chr returns the interval map for chr, or nil if chr has no entries.
func (b *ByChr[V]) Chr(chr string) *Map[V] {
	return b.chrs[chr]
}

// Chromosomes returns the set of chromosome names with at least one entry,
// in no particular order.
func (b *ByChr[V]) Chromosomes() []string {
	out := make([]string, 0, len(b.chrs))
	for k := range b.chrs {
		out = append(out, k)
	}
	return out
}

// MergeWeighted adds every interval of other to b, scaling each interval's
// value by weight first via scale. This is the primitive the copy-number
// engine uses to fold a clone's CN map into a sample's, weighted by clone
// fraction.
func (b *ByChr[V]) MergeWeighted(other *ByChr[V], weight float64, scale func(V, float64) V) {
	for chr, m := range other.chrs {
		for _, e := range m.Intervals() {
			b.Add(chr, e.Start, e.End, scale(e.Value, weight))
		}
	}
}
