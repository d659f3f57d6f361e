package engine

import (
	"sync"

	"github.com/mcproxy/mcproxy-sub001/internal/aggregate"
	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
)

// Querier is the downstream querier contract consumed by the engine
// (spec.md §6): a pure getter reflecting the current querier-side
// membership state for a group on one downstream interface.
type Querier interface {
	Membership(g mcaddr.Addr) aggregate.FilterState
}

// StaticQuerier is a map-backed Querier, the shape real IGMPv3/MLDv2
// querier-state tracking plugs into. Useful standalone for tests and for
// any deployment that drives membership from an external source instead
// of parsing live group-membership protocol traffic itself.
type StaticQuerier struct {
	mu      sync.Mutex
	byGroup map[mcaddr.Addr]aggregate.FilterState
}

// NewStaticQuerier builds a StaticQuerier with every group defaulting to
// INCLUDE{} (no interest) until Set is called.
func NewStaticQuerier() *StaticQuerier {
	return &StaticQuerier{byGroup: make(map[mcaddr.Addr]aggregate.FilterState)}
}

func (q *StaticQuerier) Membership(g mcaddr.Addr) aggregate.FilterState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.byGroup[g]; ok {
		return s
	}
	return aggregate.EmptyInclude
}

// Set records the querier-reported FilterState for g. Callers drive
// querier-state-change events off of this themselves; Set does not enqueue
// one (the engine's Enqueue does).
func (q *StaticQuerier) Set(g mcaddr.Addr, state aggregate.FilterState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byGroup[g] = state
}
