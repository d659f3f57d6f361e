package kernel

import (
	"context"
	"testing"

	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
	"github.com/stretchr/testify/require"
)

var (
	g  = mcaddr.MustParse("239.1.1.1")
	s1 = mcaddr.MustParse("10.0.0.5")
)

func TestAddEntryThenPacketCount(t *testing.T) {
	k := NewSim()
	ctx := context.Background()

	require.NoError(t, k.AddEntry(ctx, 1, g, s1, []network.IfIndex{2, 3}))
	count, err := k.PacketCount(ctx, 1, g, s1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)

	k.Bump(g, s1)
	k.Bump(g, s1)
	count, err = k.PacketCount(ctx, 1, g, s1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)
}

func TestDelEntryRemovesState(t *testing.T) {
	k := NewSim()
	ctx := context.Background()
	require.NoError(t, k.AddEntry(ctx, 1, g, s1, nil))
	require.NoError(t, k.DelEntry(ctx, g, s1))

	_, err := k.PacketCount(ctx, 1, g, s1)
	require.Error(t, err)
}

func TestPacketCountOnUnknownEntryErrors(t *testing.T) {
	k := NewSim()
	_, err := k.PacketCount(context.Background(), 1, g, s1)
	require.Error(t, err)
}

func TestHasEntryReflectsOutputs(t *testing.T) {
	k := NewSim()
	ctx := context.Background()
	require.NoError(t, k.AddEntry(ctx, 1, g, s1, []network.IfIndex{2, 3}))

	outputs, ingress, ok := k.HasEntry(g, s1)
	require.True(t, ok)
	require.Equal(t, network.IfIndex(1), ingress)
	require.ElementsMatch(t, []network.IfIndex{2, 3}, outputs)
}

func TestEmptyOutputsStillInstallsEntry(t *testing.T) {
	k := NewSim()
	ctx := context.Background()
	require.NoError(t, k.AddEntry(ctx, 1, g, s1, nil))

	outputs, _, ok := k.HasEntry(g, s1)
	require.True(t, ok)
	require.Empty(t, outputs)
}
