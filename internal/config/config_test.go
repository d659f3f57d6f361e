package config

import (
	"testing"

	"github.com/mcproxy/mcproxy-sub001/internal/network"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
group_membership_interval_seconds = 125

interface "u0" {
  role = "upstream"
  policy = "first"
}

interface "d0" {
  role = "downstream"
}

rule {
  interface = "u0"
  direction = "in"
  filter    = "blacklist"
  group     = "*"
  source    = "10.0.0.5"
}
`

func resolverFor(names ...string) *network.StaticResolver {
	m := make(map[string]network.IfIndex, len(names))
	for i, n := range names {
		m[n] = network.IfIndex(i + 1)
	}
	return network.NewStaticResolver(m)
}

func TestLoadAndResolve(t *testing.T) {
	cfg, err := LoadBytes("sample.hcl", []byte(sampleHCL))
	require.NoError(t, err)
	require.Equal(t, 125, cfg.GroupMembershipIntervalSeconds)

	rc, err := Resolve(cfg, resolverFor("u0", "d0"))
	require.NoError(t, err)
	require.Len(t, rc.Interfaces, 2)
	require.Len(t, rc.Upstreams(), 1)
	require.Len(t, rc.Downstreams(), 1)
	require.Equal(t, PolicyFirst, rc.Upstreams()[0].Policy)

	require.Len(t, rc.Rules, 1)
	rule := rc.Rules[0]
	require.False(t, rule.Whitelist)
	require.Nil(t, rule.Group)
	require.NotNil(t, rule.Source)
}

func TestResolveRejectsBadRole(t *testing.T) {
	cfg := &Config{Interfaces: []Interface{{Name: "u0", Role: "sideways"}}}
	_, err := Resolve(cfg, resolverFor("u0"))
	require.Error(t, err)
}

func TestResolveRejectsBadPolicy(t *testing.T) {
	cfg := &Config{Interfaces: []Interface{{Name: "u0", Role: "upstream", Policy: "round-robin"}}}
	_, err := Resolve(cfg, resolverFor("u0"))
	require.Error(t, err)
}

func TestResolveRejectsUnknownInterface(t *testing.T) {
	cfg := &Config{Interfaces: []Interface{{Name: "ghost", Role: "upstream"}}}
	_, err := Resolve(cfg, resolverFor("u0"))
	require.Error(t, err)
}

func TestSourceLifetimeDefault(t *testing.T) {
	cfg := &Config{}
	rc, err := Resolve(cfg, resolverFor())
	require.NoError(t, err)
	require.Equal(t, 260, int(rc.SourceLifetime.Seconds()))
}
