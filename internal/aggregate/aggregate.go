// Package aggregate implements the membership aggregator (spec.md §4.4): a
// pure function combining downstream FilterStates and admin rules into a
// single advertised FilterState per upstream, under the FIRST or MUTEX
// rule-matching policy.
//
// The four primitive combinators below (Merge, Eliminate, FilterMerge,
// Remainder) are a direct transliteration of the merge tables in spec.md
// §4.4, themselves grounded on the original implementation's
// merge_group_memberships / convert_wildcard_filter /
// merge_memberships_filter / merge_memberships_filter_reminder.
package aggregate

import (
	"github.com/mcproxy/mcproxy-sub001/internal/config"
	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
	"github.com/mcproxy/mcproxy-sub001/internal/routingdb"
	"github.com/mcproxy/mcproxy-sub001/internal/srcset"
)

// Mode is a FilterState's membership mode (IGMPv3/MLDv2 semantics).
type Mode uint8

const (
	ModeInclude Mode = iota
	ModeExclude
)

func (m Mode) String() string {
	if m == ModeExclude {
		return "EXCLUDE"
	}
	return "INCLUDE"
}

// FilterState is (mode, sources) as described in the glossary: INCLUDE(X)
// admits exactly X; EXCLUDE(Y) admits everything except Y.
type FilterState struct {
	Mode    Mode
	Sources srcset.Set
}

// Include builds an INCLUDE(x) state.
func Include(x srcset.Set) FilterState { return FilterState{Mode: ModeInclude, Sources: x} }

// Exclude builds an EXCLUDE(y) state.
func Exclude(y srcset.Set) FilterState { return FilterState{Mode: ModeExclude, Sources: y} }

// EmptyInclude is INCLUDE{}, the identity element for Merge (spec.md §8,
// invariant 2).
var EmptyInclude = Include(srcset.Empty)

// Equal reports whether two FilterStates are identical: same mode, same
// source set.
func (f FilterState) Equal(o FilterState) bool {
	return f.Mode == o.Mode && f.Sources.Equal(o.Sources)
}

// Accepts reports whether s is admitted by f: INCLUDE(X) admits exactly X;
// EXCLUDE(Y) admits everything except Y.
func (f FilterState) Accepts(s mcaddr.Addr) bool {
	if f.Mode == ModeInclude {
		return f.Sources.Contains(s)
	}
	return !f.Sources.Contains(s)
}

// Merge is the membership-merge combinator ("union of listeners"), spec.md
// §4.4 table 1. It is commutative (spec.md §8, invariant 1).
func Merge(into, from FilterState) FilterState {
	switch {
	case into.Mode == ModeInclude && from.Mode == ModeInclude:
		return Include(into.Sources.Union(from.Sources))
	case into.Mode == ModeInclude && from.Mode == ModeExclude:
		return Exclude(from.Sources.Difference(into.Sources))
	case into.Mode == ModeExclude && from.Mode == ModeInclude:
		return Exclude(into.Sources.Difference(from.Sources))
	default: // EXCLUDE, EXCLUDE
		return Exclude(into.Sources.Intersect(from.Sources))
	}
}

// Eliminate performs wildcard elimination (spec.md §4.4): a rule whose
// source pattern is the family wildcard flips WHITELIST{*} to BLACKLIST{}
// and BLACKLIST{*} to WHITELIST{}, so the ordinary filter-merge/remainder
// tables can be applied uniformly afterward.
func Eliminate(whitelist bool, isWildcard bool) (eliminatedWhitelist bool) {
	if !isWildcard {
		return whitelist
	}
	return !whitelist
}

// FilterMerge applies one admin filter (whitelist/blacklist over list) to
// state, spec.md §4.4 table 2. Callers must resolve wildcard elimination
// first via Eliminate when the rule's source pattern is "*".
func FilterMerge(state FilterState, whitelist bool, list srcset.Set) FilterState {
	switch {
	case state.Mode == ModeInclude && whitelist:
		return Include(state.Sources.Intersect(list))
	case state.Mode == ModeInclude && !whitelist:
		return Include(state.Sources.Difference(list))
	case state.Mode == ModeExclude && whitelist:
		return Include(list.Difference(state.Sources))
	default: // EXCLUDE, blacklist
		return Exclude(state.Sources.Union(list))
	}
}

// Remainder computes what a filter rejected, spec.md §4.4 table 3 — used by
// FIRST to carry the rejected portion forward to the next upstream.
func Remainder(state FilterState, whitelist bool, list srcset.Set) FilterState {
	switch {
	case state.Mode == ModeInclude && whitelist:
		return Include(state.Sources.Difference(list))
	case state.Mode == ModeInclude && !whitelist:
		return Include(state.Sources.Intersect(list))
	case state.Mode == ModeExclude && whitelist:
		return Exclude(state.Sources.Union(list))
	default: // EXCLUDE, blacklist
		return Include(list.Difference(state.Sources))
	}
}

// ruleSet is the per-(interface,direction,group) admin filter assembled
// from every matching rule: each rule's source contributes to either the
// whitelist or the blacklist set (after wildcard elimination), and a
// whitelist/blacklist with several rule entries is their union — a single
// rule only ever names one source, spec.md §6's (if, direction,
// {whitelist|blacklist}, G-pattern, S-pattern) tuple.
type ruleSet struct {
	whitelist    srcset.Set
	hasWhitelist bool
	blacklist    srcset.Set
	hasBlacklist bool
}

// matchingRules groups the admin rules from rc applicable to (ifName, dir,
// g) into a combined whitelist/blacklist ruleSet. Rule order does not
// affect the result — whitelist and blacklist are each a union — keeping
// the aggregator's output independent of configuration iteration order
// beyond the Whitelist/Blacklist partition (spec.md §4.4.4).
func matchingRules(rc *config.ResolvedConfig, ifName string, dir network.Direction, g mcaddr.Addr) ruleSet {
	var wl, bl []mcaddr.Addr
	var rs ruleSet
	for _, r := range rc.Rules {
		if !r.MatchesInterface(ifName, dir) || !r.MatchesGroup(g) {
			continue
		}
		whitelist := Eliminate(r.Whitelist, r.IsSourceWildcard())
		if whitelist {
			rs.hasWhitelist = true
			if !r.IsSourceWildcard() {
				wl = append(wl, *r.Source)
			}
		} else {
			rs.hasBlacklist = true
			if !r.IsSourceWildcard() {
				bl = append(bl, *r.Source)
			}
		}
	}
	rs.whitelist = srcset.New(wl...)
	rs.blacklist = srcset.New(bl...)
	return rs
}

// apply folds rs into state via FilterMerge: whitelist first (if any),
// then blacklist (if any), each a single combined step.
func (rs ruleSet) apply(state FilterState) FilterState {
	if rs.hasWhitelist {
		state = FilterMerge(state, true, rs.whitelist)
	}
	if rs.hasBlacklist {
		state = FilterMerge(state, false, rs.blacklist)
	}
	return state
}

// remainder computes what rs rejected from state, as the union of the
// per-step rejections — the portion FIRST carries forward to the next
// upstream (spec.md §4.4.1).
func (rs ruleSet) remainder(state FilterState) FilterState {
	rejected := EmptyInclude
	cur := state
	if rs.hasWhitelist {
		rejected = Merge(rejected, Remainder(cur, true, rs.whitelist))
		cur = FilterMerge(cur, true, rs.whitelist)
	}
	if rs.hasBlacklist {
		rejected = Merge(rejected, Remainder(cur, false, rs.blacklist))
	}
	return rejected
}

// ApplyDirectionFilter folds every admin rule applicable to (ifName, dir, g)
// into state via FilterMerge. It applies a downstream's "out" filter
// (spec.md §4.4.3); FIRST and MUTEX apply upstream "in" filters through
// matchingRules directly.
func ApplyDirectionFilter(rc *config.ResolvedConfig, ifName string, dir network.Direction, g mcaddr.Addr, state FilterState) FilterState {
	return matchingRules(rc, ifName, dir, g).apply(state)
}

// DownstreamMembership pairs a downstream interface with its querier-
// reported FilterState for some group, already the raw querier value — the
// out-filter is applied by BuildDownstreamMemberships below.
type DownstreamMembership struct {
	Interface network.IfIndex
	Name      string
	State     FilterState
}

// BuildDownstreamMemberships applies each downstream's "out" admin filter
// to its raw querier state (spec.md §4.4.3), producing the memberships the
// aggregator merges.
func BuildDownstreamMemberships(rc *config.ResolvedConfig, g mcaddr.Addr, raw []DownstreamMembership) []DownstreamMembership {
	out := make([]DownstreamMembership, len(raw))
	for i, m := range raw {
		out[i] = DownstreamMembership{
			Interface: m.Interface,
			Name:      m.Name,
			State:     ApplyDirectionFilter(rc, m.Name, network.DirOut, g, m.State),
		}
	}
	return out
}

// unionAll merges a list of downstream memberships into one FilterState,
// starting from the identity element INCLUDE{} (spec.md §8, invariant 2).
// The merge order does not affect the result (invariant 1), but we fold in
// a stable order (downstream declaration order) to keep output bitwise
// reproducible (spec.md §4.4.4).
func unionAll(memberships []DownstreamMembership) FilterState {
	acc := EmptyInclude
	for _, m := range memberships {
		acc = Merge(acc, m.State)
	}
	return acc
}

// First implements policy FIRST (spec.md §4.4.1): upstreams are visited in
// rc.Upstreams() order; the union of downstream memberships is threaded
// through each upstream's "in" filter in turn, the accepted portion
// becoming that upstream's advertised state and the remainder carrying
// forward. Returns one FilterState per upstream, same order as upstreams.
func First(rc *config.ResolvedConfig, g mcaddr.Addr, upstreams []config.ResolvedInterface, downstream []DownstreamMembership) []FilterState {
	remaining := unionAll(downstream)
	out := make([]FilterState, len(upstreams))
	for i, u := range upstreams {
		rules := matchingRules(rc, u.Name, network.DirIn, g)
		out[i] = rules.apply(remaining)
		remaining = rules.remainder(remaining)
	}
	return out
}

// Mutex implements policy MUTEX (spec.md §4.4.2): for each upstream U, the
// candidate set is the downstream union minus any source the routing
// database already records as ingressing via a *different* upstream. Since
// the ingress map is consulted unchanged for every upstream, a source
// claimed by U0 is excluded from every *other* upstream's candidate set
// symmetrically — which is exactly the mutual exclusion §4.4.2 describes.
// U's "in" filter is then applied via FilterMerge, with no remainder
// propagated.
func Mutex(rc *config.ResolvedConfig, g mcaddr.Addr, upstreams []config.ResolvedInterface, downstream []DownstreamMembership, db *routingdb.Database) []FilterState {
	base := unionAll(downstream)
	claimed := db.InterfaceMap(g)
	isUpstream := make(map[network.IfIndex]bool)
	for _, u := range rc.Upstreams() {
		isUpstream[u.Index] = true
	}

	out := make([]FilterState, len(upstreams))
	for i, u := range upstreams {
		candidate := restrictToUnclaimedOrOwn(base, claimed, isUpstream, u.Index)
		rules := matchingRules(rc, u.Name, network.DirIn, g)
		out[i] = rules.apply(candidate)
	}
	return out
}

// restrictToUnclaimedOrOwn drops from state's source set every source whose
// recorded ingress in claimed is an upstream other than self. EXCLUDE
// states are restricted by adding the claimed-elsewhere sources to the
// excluded set, preserving the (mode, sources) algebra.
func restrictToUnclaimedOrOwn(state FilterState, claimed map[mcaddr.Addr]network.IfIndex, isUpstream map[network.IfIndex]bool, self network.IfIndex) FilterState {
	var elsewhere []mcaddr.Addr
	for s, idx := range claimed {
		if idx != self && isUpstream[idx] {
			elsewhere = append(elsewhere, s)
		}
	}
	excludeSet := srcset.New(elsewhere...)

	if state.Mode == ModeInclude {
		return Include(state.Sources.Difference(excludeSet))
	}
	return Exclude(state.Sources.Union(excludeSet))
}
