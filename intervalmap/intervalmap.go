// Package intervalmap implements a range-compressed map over the full domain of an
// unsigned integer type.
//
// Conceptually a Map is an array with one value per point of the domain. It is
// stored as a sorted list of interval starts where adjacent intervals always hold
// different values and the first interval always starts at zero.
package intervalmap

import (
	"iter"
	"sort"
)

// Unsigned is the set of supported bound types.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

// Interval is a closed interval [Start, End].
type Interval[B Unsigned] struct {
	Start, End B
}

// Contains returns true if v is within the interval.
func (i Interval[B]) Contains(v B) bool { return i.Start <= v && v <= i.End }

// --------------------------------------------------------------------

// Range is a normalised, inclusive range. Use the constructors to create
// ranges from open, half-open or unbounded forms.
type Range[B Unsigned] struct {
	start, end B
	empty      bool
}

// Closed returns [start, end].
func Closed[B Unsigned](start, end B) Range[B] {
	return Range[B]{start: start, end: end, empty: start > end}
}

// HalfOpen returns [start, end).
func HalfOpen[B Unsigned](start, end B) Range[B] {
	if end == 0 {
		return Range[B]{empty: true}
	}
	return Closed(start, end-1)
}

// Open returns (start, end).
func Open[B Unsigned](start, end B) Range[B] {
	if start == maxOf[B]() || end == 0 {
		return Range[B]{empty: true}
	}
	return Closed(start+1, end-1)
}

// AtLeast returns [start, max].
func AtLeast[B Unsigned](start B) Range[B] { return Closed(start, maxOf[B]()) }

// AtMost returns [0, end].
func AtMost[B Unsigned](end B) Range[B] { return Closed(0, end) }

// Full returns the whole domain.
func Full[B Unsigned]() Range[B] { return Closed(0, maxOf[B]()) }

// Bounds returns the inclusive bounds. ok is false for empty ranges.
func (r Range[B]) Bounds() (start, end B, ok bool) {
	return r.start, r.end, !r.empty
}

func maxOf[B Unsigned]() B { return ^B(0) }

// --------------------------------------------------------------------

type node[B Unsigned, T comparable] struct {
	start B
	value T
}

// Map is a range-compressed map from every point of B to a T.
// The zero value is not usable, use New.
type Map[B Unsigned, T comparable] struct {
	nodes []node[B, T]
}

// New returns a map with a single interval covering the domain and holding
// the zero value of T.
func New[B Unsigned, T comparable]() *Map[B, T] {
	return &Map[B, T]{nodes: []node[B, T]{{}}}
}

// Len returns the number of intervals.
func (m *Map[B, T]) Len() int { return len(m.nodes) }

// Get returns the value at point k.
func (m *Map[B, T]) Get(k B) T { return m.nodes[m.find(k)].value }

// Update applies fn to every value within r.
func (m *Map[B, T]) Update(r Range[B], fn func(*T)) {
	start, end, ok := r.Bounds()
	if !ok {
		return
	}

	i := m.split(start)
	j := len(m.nodes)
	if end != maxOf[B]() {
		j = m.split(end + 1)
	}

	for k := i; k < j; k++ {
		fn(&m.nodes[k].value)
	}
	m.merge(i, j)
}

// Replace sets every value within r to v.
func (m *Map[B, T]) Replace(r Range[B], v T) {
	m.Update(r, func(t *T) { *t = v })
}

// All iterates over all intervals in ascending order.
func (m *Map[B, T]) All() iter.Seq2[Interval[B], T] {
	return func(yield func(Interval[B], T) bool) {
		for k := range m.nodes {
			if !yield(m.interval(k), m.nodes[k].value) {
				return
			}
		}
	}
}

// Intersecting iterates over the intervals which intersect r, in ascending order.
// The first and last interval may extend beyond r.
func (m *Map[B, T]) Intersecting(r Range[B]) iter.Seq2[Interval[B], T] {
	return func(yield func(Interval[B], T) bool) {
		start, end, ok := r.Bounds()
		if !ok {
			return
		}
		for k := m.find(start); k < len(m.nodes) && m.nodes[k].start <= end; k++ {
			if !yield(m.interval(k), m.nodes[k].value) {
				return
			}
		}
	}
}

// find returns the position of the interval containing k.
func (m *Map[B, T]) find(k B) int {
	return sort.Search(len(m.nodes), func(i int) bool {
		return m.nodes[i].start > k
	}) - 1
}

// split makes sure an interval starts at k and returns its position.
func (m *Map[B, T]) split(k B) int {
	pos := m.find(k)
	if m.nodes[pos].start == k {
		return pos
	}

	pos++
	m.nodes = append(m.nodes, node[B, T]{})
	copy(m.nodes[pos+1:], m.nodes[pos:])
	m.nodes[pos] = node[B, T]{start: k, value: m.nodes[pos-1].value}
	return pos
}

// merge collapses equal neighbours among nodes[i-1..j].
func (m *Map[B, T]) merge(i, j int) {
	lo, hi := i, j
	if lo < 1 {
		lo = 1
	}
	if hi > len(m.nodes)-1 {
		hi = len(m.nodes) - 1
	}

	out := lo
	for k := lo; k <= hi; k++ {
		if m.nodes[k].value == m.nodes[out-1].value {
			continue
		}
		m.nodes[out] = m.nodes[k]
		out++
	}

	n := len(m.nodes)
	if hi+1 < n {
		out += copy(m.nodes[out:], m.nodes[hi+1:])
	}
	clear(m.nodes[out:n])
	m.nodes = m.nodes[:out]
}

func (m *Map[B, T]) interval(k int) Interval[B] {
	end := maxOf[B]()
	if k+1 < len(m.nodes) {
		end = m.nodes[k+1].start - 1
	}
	return Interval[B]{Start: m.nodes[k].start, End: end}
}
