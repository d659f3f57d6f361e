// Package report implements the upstream sender contract (spec.md §6):
// translating an advertised FilterState transition into IGMPv3/MLDv2
// state-change or current-state records on a given upstream interface.
package report

import (
	"context"

	"github.com/google/uuid"

	"github.com/mcproxy/mcproxy-sub001/internal/aggregate"
	"github.com/mcproxy/mcproxy-sub001/internal/logging"
	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
)

// Sender is the upstream report contract the engine calls whenever a
// recomputed advertised FilterState differs from the cached one (spec.md
// §4.5, "querier-state-change").
type Sender interface {
	SendRecord(ctx context.Context, upstream network.IfIndex, g mcaddr.Addr, newState, oldState aggregate.FilterState) error
}

// LogSender is the default Sender: it does not speak the wire protocol
// itself (that is a downstream concern of the group-membership protocol
// stack, out of this core's scope per spec.md §1) but records the
// transition as a structured log line carrying a correlation ID, which is
// what a real protocol encoder would key its IGMPv3/MLDv2 record on.
type LogSender struct {
	log *logging.Logger
}

// NewLogSender builds a LogSender. A nil log falls back to the default
// logger configuration.
func NewLogSender(log *logging.Logger) *LogSender {
	if log == nil {
		log = logging.New(logging.DefaultConfig())
	}
	return &LogSender{log: log}
}

func (s *LogSender) SendRecord(_ context.Context, upstream network.IfIndex, g mcaddr.Addr, newState, oldState aggregate.FilterState) error {
	s.log.Info("upstream state-change report",
		"correlation_id", uuid.New().String(),
		"upstream", upstream,
		"group", g.String(),
		"from_mode", oldState.Mode.String(),
		"to_mode", newState.Mode.String(),
		"source_count", newState.Sources.Len(),
	)
	return nil
}
