// Package srcset implements the ordered set of source addresses that the
// membership aggregator uses as its primitive alphabet (spec.md §4.1).
package srcset

import (
	"sort"

	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
)

// Set is an ordered, immutable-by-convention set of source addresses.
// All set operations return a new Set; the receiver is never mutated.
type Set struct {
	items []mcaddr.Addr // sorted, deduplicated
}

// Empty is the empty set.
var Empty = Set{}

// New builds a Set from the given addresses, sorting and deduplicating them.
func New(addrs ...mcaddr.Addr) Set {
	if len(addrs) == 0 {
		return Set{}
	}
	items := make([]mcaddr.Addr, len(addrs))
	copy(items, addrs)
	sort.Slice(items, func(i, j int) bool { return items[i].Less(items[j]) })
	items = dedup(items)
	return Set{items: items}
}

func dedup(sorted []mcaddr.Addr) []mcaddr.Addr {
	out := sorted[:0:0]
	for i, a := range sorted {
		if i == 0 || !a.Equal(sorted[i-1]) {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of elements in the set.
func (s Set) Len() int { return len(s.items) }

// Contains reports whether a is a member of s.
func (s Set) Contains(a mcaddr.Addr) bool {
	_, ok := s.search(a)
	return ok
}

func (s Set) search(a mcaddr.Addr) (int, bool) {
	i := sort.Search(len(s.items), func(i int) bool { return !s.items[i].Less(a) })
	if i < len(s.items) && s.items[i].Equal(a) {
		return i, true
	}
	return i, false
}

// Each calls f for every element of s in ascending address order.
func (s Set) Each(f func(mcaddr.Addr)) {
	for _, a := range s.items {
		f(a)
	}
}

// Slice returns the elements of s in ascending order. Callers must not
// mutate the returned slice.
func (s Set) Slice() []mcaddr.Addr { return s.items }

// Equal reports whether s and o contain exactly the same elements.
func (s Set) Equal(o Set) bool {
	if len(s.items) != len(o.items) {
		return false
	}
	for i := range s.items {
		if !s.items[i].Equal(o.items[i]) {
			return false
		}
	}
	return true
}

// Union returns s ∪ o.
func (s Set) Union(o Set) Set {
	out := make([]mcaddr.Addr, 0, len(s.items)+len(o.items))
	i, j := 0, 0
	for i < len(s.items) && j < len(o.items) {
		switch {
		case s.items[i].Less(o.items[j]):
			out = append(out, s.items[i])
			i++
		case o.items[j].Less(s.items[i]):
			out = append(out, o.items[j])
			j++
		default:
			out = append(out, s.items[i])
			i++
			j++
		}
	}
	out = append(out, s.items[i:]...)
	out = append(out, o.items[j:]...)
	return Set{items: out}
}

// Intersect returns s ∩ o.
func (s Set) Intersect(o Set) Set {
	cap := len(s.items)
	if len(o.items) < cap {
		cap = len(o.items)
	}
	out := make([]mcaddr.Addr, 0, cap)
	i, j := 0, 0
	for i < len(s.items) && j < len(o.items) {
		switch {
		case s.items[i].Less(o.items[j]):
			i++
		case o.items[j].Less(s.items[i]):
			j++
		default:
			out = append(out, s.items[i])
			i++
			j++
		}
	}
	return Set{items: out}
}

// Difference returns s \ o (elements of s not present in o).
func (s Set) Difference(o Set) Set {
	out := make([]mcaddr.Addr, 0, len(s.items))
	i, j := 0, 0
	for i < len(s.items) && j < len(o.items) {
		switch {
		case s.items[i].Less(o.items[j]):
			out = append(out, s.items[i])
			i++
		case o.items[j].Less(s.items[i]):
			j++
		default:
			i++
			j++
		}
	}
	out = append(out, s.items[i:]...)
	return Set{items: out}
}
