// Package routingdb implements the source-routing database: a per-group
// index of observed (source, ingress-interface) tuples with per-source
// liveness timers driven by kernel packet-arrival counters (spec.md §4.2).
package routingdb

import (
	"context"
	"sync"
	"time"

	"github.com/mcproxy/mcproxy-sub001/internal/logging"
	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/merrors"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
	"github.com/mcproxy/mcproxy-sub001/internal/srcset"
)

// PacketCounter is the subset of the kernel routing-socket contract
// (spec.md §6) the database needs to drive refresh/evict decisions.
type PacketCounter interface {
	PacketCount(ctx context.Context, ingress network.IfIndex, g, s mcaddr.Addr) (uint64, error)
}

// Outcome is the result of RefreshOrEvict.
type Outcome uint8

const (
	Refreshed Outcome = iota
	Evicted
)

func (o Outcome) String() string {
	if o == Evicted {
		return "evicted"
	}
	return "refreshed"
}

type record struct {
	ingress         network.IfIndex
	lastPacketCount uint64
	lastRefresh     time.Time
}

type groupEntry struct {
	sources map[mcaddr.Addr]*record
}

// Database is the per-group map of active sources described by spec.md §3
// ("Group Entry") and §4.2.
type Database struct {
	mu      sync.Mutex
	groups  map[mcaddr.Addr]*groupEntry
	counter PacketCounter
	log     *logging.Logger
	now     func() time.Time
}

// New builds an empty Database. counter is consulted for kernel
// packet-arrival counts; log receives warnings for ignored inconsistent
// sightings (spec.md §7, UnexpectedIngress).
func New(counter PacketCounter, log *logging.Logger) *Database {
	if log == nil {
		log = logging.New(logging.DefaultConfig())
	}
	return &Database{
		groups:  make(map[mcaddr.Addr]*groupEntry),
		counter: counter,
		log:     log,
		now:     time.Now,
	}
}

// SetSource inserts or refreshes the record for (g, s). If (g, s) is
// already present with a different ingress, the existing record wins: the
// duplicate sighting is logged and ignored (spec.md §4.2 — RPF guarantees
// packets for a flow arrive on exactly one ingress interface).
func (d *Database) SetSource(ctx context.Context, ingress network.IfIndex, g, s mcaddr.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ge := d.groups[g]
	if ge == nil {
		ge = &groupEntry{sources: make(map[mcaddr.Addr]*record)}
		d.groups[g] = ge
	}

	if existing, ok := ge.sources[s]; ok {
		if existing.ingress != ingress {
			d.log.Warn("ignoring source sighting on unexpected ingress",
				"group", g.String(), "source", s.String(),
				"recorded_ingress", existing.ingress, "seen_ingress", ingress)
			return merrors.Errorf(merrors.KindUnexpectedIngress,
				"routingdb: (%s,%s) already routed via %s, ignoring sighting on %s",
				g, s, existing.ingress, ingress)
		}
		existing.lastRefresh = d.now()
		return nil
	}

	count, err := d.counter.PacketCount(ctx, ingress, g, s)
	if err != nil {
		count = 0
	}
	ge.sources[s] = &record{ingress: ingress, lastPacketCount: count, lastRefresh: d.now()}
	return nil
}

// DelSource removes the record for (g, s). If the group has no remaining
// sources afterward, the group entry itself is dropped.
func (d *Database) DelSource(g, s mcaddr.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ge := d.groups[g]
	if ge == nil {
		return
	}
	delete(ge.sources, s)
	if len(ge.sources) == 0 {
		delete(d.groups, g)
	}
}

// RefreshOrEvict reads the kernel counter for (g, s); if it has advanced
// since the last observation, last_refresh is updated and Refreshed is
// returned. Otherwise the record is deleted and Evicted is returned
// (spec.md §4.2).
func (d *Database) RefreshOrEvict(ctx context.Context, g, s mcaddr.Addr) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ge := d.groups[g]
	if ge == nil {
		return Evicted, nil
	}
	rec, ok := ge.sources[s]
	if !ok {
		return Evicted, nil
	}

	count, err := d.counter.PacketCount(ctx, rec.ingress, g, s)
	if err != nil {
		return Evicted, merrors.Wrapf(err, merrors.KindKernelProgramFailure,
			"routingdb: packet_count(%s,%s,%s)", rec.ingress, g, s)
	}

	if count > rec.lastPacketCount {
		rec.lastPacketCount = count
		rec.lastRefresh = d.now()
		return Refreshed, nil
	}

	delete(ge.sources, s)
	if len(ge.sources) == 0 {
		delete(d.groups, g)
	}
	return Evicted, nil
}

// AvailableSources returns the sources currently known for g. Unknown
// groups return the empty set, not an error (spec.md §4.2 failure mode).
func (d *Database) AvailableSources(g mcaddr.Addr) srcset.Set {
	d.mu.Lock()
	defer d.mu.Unlock()

	ge := d.groups[g]
	if ge == nil {
		return srcset.Empty
	}
	addrs := make([]mcaddr.Addr, 0, len(ge.sources))
	for s := range ge.sources {
		addrs = append(addrs, s)
	}
	return srcset.New(addrs...)
}

// SourceCount returns the total number of (group, source) pairs currently
// tracked across every group, for the process-level active-sources gauge
// (spec.md §6 last bullet).
func (d *Database) SourceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, ge := range d.groups {
		n += len(ge.sources)
	}
	return n
}

// InterfaceMap returns the source→ingress-interface mapping for g. Unknown
// groups return an empty (nil) map, not an error.
func (d *Database) InterfaceMap(g mcaddr.Addr) map[mcaddr.Addr]network.IfIndex {
	d.mu.Lock()
	defer d.mu.Unlock()

	ge := d.groups[g]
	if ge == nil {
		return nil
	}
	out := make(map[mcaddr.Addr]network.IfIndex, len(ge.sources))
	for s, rec := range ge.sources {
		out[s] = rec.ingress
	}
	return out
}

// Ingress returns the recorded ingress interface for (g, s), if any.
func (d *Database) Ingress(g, s mcaddr.Addr) (network.IfIndex, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ge := d.groups[g]
	if ge == nil {
		return 0, false
	}
	rec, ok := ge.sources[s]
	if !ok {
		return 0, false
	}
	return rec.ingress, true
}
