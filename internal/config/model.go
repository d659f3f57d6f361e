package config

import (
	"net"
	"time"

	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/merrors"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
)

// Policy is the upstream input rule-matching policy (spec.md §4.4).
type Policy uint8

const (
	PolicyFirst Policy = iota
	PolicyMutex
)

func (p Policy) String() string {
	if p == PolicyMutex {
		return "mutex"
	}
	return "first"
}

// ResolvedInterface is a config.Interface with its index resolved and its
// enum fields validated.
type ResolvedInterface struct {
	Index  network.IfIndex
	Name   string
	Role   network.Role
	Policy Policy // meaningful only when Role == RoleUpstream
}

// RulePattern is a config.Rule with its addresses parsed. A nil Group or
// Source means "match all" (the wildcard pattern); IfPattern of "*" means
// every interface.
type RulePattern struct {
	IfPattern string
	Direction network.Direction
	Whitelist bool // true = whitelist, false = blacklist
	Group     *mcaddr.Addr
	Source    *mcaddr.Addr
}

// MatchesInterface reports whether r applies to the given interface name and
// direction.
func (r RulePattern) MatchesInterface(name string, dir network.Direction) bool {
	if r.Direction != dir {
		return false
	}
	return r.IfPattern == "*" || r.IfPattern == name
}

// MatchesGroup reports whether r's group pattern matches g.
func (r RulePattern) MatchesGroup(g mcaddr.Addr) bool {
	return r.Group == nil || r.Group.Equal(g)
}

// MatchesSource reports whether r's source pattern matches s, or is the
// family wildcard (spec.md §4.4, "Wildcard elimination").
func (r RulePattern) MatchesSource(s mcaddr.Addr) bool {
	return r.Source == nil || r.Source.Equal(s)
}

// IsSourceWildcard reports whether r's source pattern is the "match all
// sources" marker, triggering wildcard elimination in the aggregator.
func (r RulePattern) IsSourceWildcard() bool {
	return r.Source == nil
}

// ResolvedConfig is the validated, typed form of Config used by the engine.
type ResolvedConfig struct {
	SourceLifetime time.Duration
	Interfaces     []ResolvedInterface
	Rules          []RulePattern
}

func (c *ResolvedConfig) InterfaceByIndex(idx network.IfIndex) (ResolvedInterface, bool) {
	for _, i := range c.Interfaces {
		if i.Index == idx {
			return i, true
		}
	}
	return ResolvedInterface{}, false
}

// Upstreams returns the configured upstream interfaces in declaration order
// — the order spec.md §4.4.1/§4.4.2 iterate for both FIRST and MUTEX.
func (c *ResolvedConfig) Upstreams() []ResolvedInterface {
	var out []ResolvedInterface
	for _, i := range c.Interfaces {
		if i.Role == network.RoleUpstream {
			out = append(out, i)
		}
	}
	return out
}

// Downstreams returns the configured downstream interfaces.
func (c *ResolvedConfig) Downstreams() []ResolvedInterface {
	var out []ResolvedInterface
	for _, i := range c.Interfaces {
		if i.Role == network.RoleDownstream {
			out = append(out, i)
		}
	}
	return out
}

// Resolve validates Config and resolves interface names to indexes via the
// given Resolver, returning a PolicyError (spec.md §7) on any malformed
// configuration field. Resolve is the startup-only fail-loudly boundary:
// once it succeeds, the engine's event queue may be opened.
func Resolve(cfg *Config, resolver network.Resolver) (*ResolvedConfig, error) {
	rc := &ResolvedConfig{
		SourceLifetime: time.Duration(float64(cfg.groupMembershipInterval())*cfg.sourceLifetimeMultiplier()) * time.Second,
	}

	seen := make(map[string]bool, len(cfg.Interfaces))
	for _, iface := range cfg.Interfaces {
		if seen[iface.Name] {
			return nil, merrors.Errorf(merrors.KindPolicyError, "config: duplicate interface %q", iface.Name)
		}
		seen[iface.Name] = true

		idx, err := resolver.ByName(iface.Name)
		if err != nil {
			return nil, merrors.Wrapf(err, merrors.KindUnknownInterface, "config: interface %q", iface.Name)
		}

		var role network.Role
		switch iface.Role {
		case "upstream":
			role = network.RoleUpstream
		case "downstream":
			role = network.RoleDownstream
		default:
			return nil, errInvalidEnum("interface."+iface.Name+".role", iface.Role, "upstream", "downstream")
		}

		policy := PolicyFirst
		if role == network.RoleUpstream {
			switch iface.Policy {
			case "", "first":
				policy = PolicyFirst
			case "mutex":
				policy = PolicyMutex
			default:
				return nil, errInvalidEnum("interface."+iface.Name+".policy", iface.Policy, "first", "mutex")
			}
		}

		rc.Interfaces = append(rc.Interfaces, ResolvedInterface{
			Index: idx, Name: iface.Name, Role: role, Policy: policy,
		})
	}

	for n, rule := range cfg.Rules {
		var dir network.Direction
		switch rule.Direction {
		case "in":
			dir = network.DirIn
		case "out":
			dir = network.DirOut
		default:
			return nil, errInvalidEnum("rule[].direction", rule.Direction, "in", "out")
		}

		var whitelist bool
		switch rule.Filter {
		case "whitelist":
			whitelist = true
		case "blacklist":
			whitelist = false
		default:
			return nil, errInvalidEnum("rule[].filter", rule.Filter, "whitelist", "blacklist")
		}

		group, err := parsePattern(rule.Group)
		if err != nil {
			return nil, merrors.Wrapf(err, merrors.KindPolicyError, "config: rule %d group pattern", n)
		}
		source, err := parsePattern(rule.Source)
		if err != nil {
			return nil, merrors.Wrapf(err, merrors.KindPolicyError, "config: rule %d source pattern", n)
		}

		ifPattern := rule.Interface
		if ifPattern == "" {
			ifPattern = "*"
		}

		rc.Rules = append(rc.Rules, RulePattern{
			IfPattern: ifPattern,
			Direction: dir,
			Whitelist: whitelist,
			Group:     group,
			Source:    source,
		})
	}

	return rc, nil
}

// parsePattern parses a group/source pattern field: "" or "*" means the
// wildcard (match all, returned as nil); anything else must be a valid
// address literal.
func parsePattern(s string) (*mcaddr.Addr, error) {
	if s == "" || s == "*" {
		return nil, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, merrors.Errorf(merrors.KindPolicyError, "config: invalid address literal %q", s)
	}
	a, err := mcaddr.Parse(ip)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
