package report

import (
	"context"
	"testing"

	"github.com/mcproxy/mcproxy-sub001/internal/aggregate"
	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
	"github.com/mcproxy/mcproxy-sub001/internal/srcset"
	"github.com/stretchr/testify/require"
)

func TestLogSenderNeverErrsOnWellFormedInput(t *testing.T) {
	s := NewLogSender(nil)
	g := mcaddr.MustParse("239.1.1.1")
	s1 := mcaddr.MustParse("10.0.0.5")

	err := s.SendRecord(context.Background(), 1, g,
		aggregate.Include(srcset.New(s1)), aggregate.EmptyInclude)
	require.NoError(t, err)
}

// FailingSender is a test double for exercising the engine's retry-on-
// next-event SendFailure semantics (spec.md §4.5, §7).
type FailingSender struct {
	Err error
}

func (f FailingSender) SendRecord(context.Context, network.IfIndex, mcaddr.Addr, aggregate.FilterState, aggregate.FilterState) error {
	return f.Err
}
