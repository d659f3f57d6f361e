package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]IfIndex{"eth0": 2, "eth1": 3})

	idx, err := r.ByName("eth0")
	require.NoError(t, err)
	require.Equal(t, IfIndex(2), idx)

	name, ok := r.Name(3)
	require.True(t, ok)
	require.Equal(t, "eth1", name)

	_, err = r.ByName("eth9")
	require.Error(t, err)
}

func TestRoleAndDirectionStrings(t *testing.T) {
	require.Equal(t, "upstream", RoleUpstream.String())
	require.Equal(t, "downstream", RoleDownstream.String())
	require.Equal(t, "in", DirIn.String())
	require.Equal(t, "out", DirOut.String())
}
