// Package engine implements the routing-management engine (spec.md §4.5):
// the single worker that owns the routing database, timer handles, and the
// last-advertised FilterState per (upstream, group), and that drives the
// kernel forwarding table and upstream reports from three event kinds —
// new-source, querier-state-change, and source-liveness timers.
//
// Grounded on internal/monitor/service.go's Service shape (stopCh chan
// struct{}, sync.WaitGroup, a goroutine select-looping over work and
// shutdown) generalized from a per-route ticker loop into a single
// FIFO-ordered event queue, matching spec.md §5's single-threaded
// cooperative dispatch model.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcproxy/mcproxy-sub001/internal/aggregate"
	"github.com/mcproxy/mcproxy-sub001/internal/config"
	"github.com/mcproxy/mcproxy-sub001/internal/kernel"
	"github.com/mcproxy/mcproxy-sub001/internal/logging"
	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
	"github.com/mcproxy/mcproxy-sub001/internal/report"
	"github.com/mcproxy/mcproxy-sub001/internal/routingdb"
	"github.com/mcproxy/mcproxy-sub001/internal/telemetry"
	"github.com/mcproxy/mcproxy-sub001/internal/timer"
)

// Event is the sum type carried on the engine's single work queue.
type Event interface{ isEvent() }

// NewSource is event "new-source(I, G, S)" (spec.md §4.5): a packet for
// (G,S) arrived on interface I with no forwarding entry yet.
type NewSource struct {
	Ingress network.IfIndex
	Group   mcaddr.Addr
	Source  mcaddr.Addr
}

func (NewSource) isEvent() {}

// QuerierStateChange is event "querier-state-change(I, G)": the downstream
// querier for interface I now reports a different FilterState for G.
type QuerierStateChange struct {
	Downstream network.IfIndex
	Group      mcaddr.Addr
}

func (QuerierStateChange) isEvent() {}

// timerFired is the internal event a fired source-liveness timer becomes
// once the worker receives it from the scheduler's channel.
type timerFired struct {
	Handle timer.Handle
	Group  mcaddr.Addr
	Source mcaddr.Addr
}

func (timerFired) isEvent() {}

// dumpRequest asks the worker to render its current state; used to keep
// Dump's read inside the single-threaded owner instead of locking shared
// state (spec.md §5, "not shared across threads — no locks needed").
type dumpRequest struct {
	reply chan<- string
}

func (dumpRequest) isEvent() {}

type installedEntry struct {
	ingress network.IfIndex
	outputs map[network.IfIndex]bool
}

type upstreamGroupKey struct {
	upstream network.IfIndex
	group    mcaddr.Addr
}

type sourceKey struct {
	group  mcaddr.Addr
	source mcaddr.Addr
}

// Engine is the routing-management engine described above.
type Engine struct {
	rc        *config.ResolvedConfig
	db        *routingdb.Database
	sock      kernel.Socket
	sender    report.Sender
	scheduler *timer.Scheduler
	queriers  map[network.IfIndex]Querier
	metrics   *telemetry.Metrics
	log       *logging.Logger

	events      chan Event
	timerEvents chan timer.Event
	stopCh      chan struct{}
	wg          sync.WaitGroup

	advertised map[upstreamGroupKey]aggregate.FilterState
	installed  map[sourceKey]installedEntry
	timers     map[sourceKey]timer.Handle
}

// New builds an Engine. queriers maps each configured downstream's
// interface index to the Querier that reflects its membership state.
func New(rc *config.ResolvedConfig, db *routingdb.Database, sock kernel.Socket, sender report.Sender,
	queriers map[network.IfIndex]Querier, metrics *telemetry.Metrics, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.New(logging.DefaultConfig())
	}
	e := &Engine{
		rc:          rc,
		db:          db,
		sock:        sock,
		sender:      sender,
		queriers:    queriers,
		metrics:     metrics,
		log:         log,
		events:      make(chan Event, 256),
		timerEvents: make(chan timer.Event, 256),
		stopCh:      make(chan struct{}),
		advertised:  make(map[upstreamGroupKey]aggregate.FilterState),
		installed:   make(map[sourceKey]installedEntry),
		timers:      make(map[sourceKey]timer.Handle),
	}
	e.scheduler = timer.New(e.timerEvents)
	return e
}

// Enqueue submits an event to the engine's single work queue. Safe to call
// from any goroutine; the engine itself processes events one at a time.
func (e *Engine) Enqueue(ev Event) {
	e.events <- ev
}

// Run starts the worker goroutine. Call Shutdown to stop it.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.events:
			e.dispatch(ctx, ev)
		case tev := <-e.timerEvents:
			e.dispatch(ctx, e.asTimerFired(tev))
		case <-e.stopCh:
			e.drainPending(ctx)
			e.shutdownCleanup(ctx)
			return
		}
	}
}

func (e *Engine) asTimerFired(tev timer.Event) Event {
	key, _ := tev.Msg.(sourceKey)
	return timerFired{Handle: tev.Handle, Group: key.group, Source: key.source}
}

// drainPending processes every event already queued before shutdown
// cleanup runs (spec.md §5, "drains its queue with a shutdown flag set").
func (e *Engine) drainPending(ctx context.Context) {
	for {
		select {
		case ev := <-e.events:
			e.dispatch(ctx, ev)
		case tev := <-e.timerEvents:
			e.dispatch(ctx, e.asTimerFired(tev))
		default:
			return
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, ev Event) {
	switch v := ev.(type) {
	case NewSource:
		e.handleNewSource(ctx, v)
	case QuerierStateChange:
		e.handleQuerierStateChange(ctx, v)
	case timerFired:
		e.handleTimerFired(ctx, v)
	case dumpRequest:
		v.reply <- e.renderDump()
	}
}

// Shutdown stops the worker: pending events drain, timers are cancelled,
// installed kernel entries are removed, and the socket is closed (spec.md
// §5).
func (e *Engine) Shutdown(context.Context) {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) shutdownCleanup(ctx context.Context) {
	for _, h := range e.timers {
		e.scheduler.Cancel(h)
	}
	for key := range e.installed {
		_ = e.sock.DelEntry(ctx, key.group, key.source)
	}
	_ = e.sock.Close()
}

// --- new-source ---

func (e *Engine) handleNewSource(ctx context.Context, ev NewSource) {
	if err := e.db.SetSource(ctx, ev.Ingress, ev.Group, ev.Source); err != nil {
		e.log.Warn("dropping new-source event", "group", ev.Group.String(), "source", ev.Source.String(), "err", err.Error())
		return
	}
	e.updateSourcesActiveMetric()

	outputs := e.acceptingDownstreams(ev.Group, ev.Source)
	if err := e.installEntry(ctx, ev.Ingress, ev.Group, ev.Source, outputs); err != nil {
		e.log.Error("kernel add_entry failed", "group", ev.Group.String(), "source", ev.Source.String(), "err", err.Error())
	}

	e.scheduleSourceTimer(ev.Group, ev.Source)
}

// acceptingDownstreams returns, for (g, s), every downstream interface
// whose out-filtered querier membership currently admits s.
func (e *Engine) acceptingDownstreams(g, s mcaddr.Addr) []network.IfIndex {
	var out []network.IfIndex
	for _, d := range e.rc.Downstreams() {
		q, ok := e.queriers[d.Index]
		if !ok {
			continue
		}
		state := aggregate.ApplyDirectionFilter(e.rc, d.Name, network.DirOut, g, q.Membership(g))
		if state.Accepts(s) {
			out = append(out, d.Index)
		}
	}
	return out
}

func (e *Engine) installEntry(ctx context.Context, ingress network.IfIndex, g, s mcaddr.Addr, outputs []network.IfIndex) error {
	err := e.sock.AddEntry(ctx, ingress, g, s, outputs)
	if err != nil {
		// One retry after a short back-off (spec.md §4.5): the kernel call
		// is short-blocking by contract, so a bounded sleep here does not
		// violate the single-worker's non-blocking handler expectation.
		time.Sleep(5 * time.Millisecond)
		err = e.sock.AddEntry(ctx, ingress, g, s, outputs)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.KernelErrorsTotal.WithLabelValues("add_entry").Inc()
		}
		return err
	}

	key := sourceKey{g, s}
	om := make(map[network.IfIndex]bool, len(outputs))
	for _, o := range outputs {
		om[o] = true
	}
	e.installed[key] = installedEntry{ingress: ingress, outputs: om}
	if e.metrics != nil {
		e.metrics.KernelEntriesTotal.Inc()
	}
	return nil
}

func (e *Engine) removeEntry(ctx context.Context, g, s mcaddr.Addr) error {
	err := e.sock.DelEntry(ctx, g, s)
	if err != nil {
		time.Sleep(5 * time.Millisecond)
		err = e.sock.DelEntry(ctx, g, s)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.KernelErrorsTotal.WithLabelValues("del_entry").Inc()
		}
		return err
	}
	delete(e.installed, sourceKey{g, s})
	return nil
}

func (e *Engine) scheduleSourceTimer(g, s mcaddr.Addr) {
	h := e.scheduler.Schedule(e.rc.SourceLifetime, sourceKey{g, s})
	e.timers[sourceKey{g, s}] = h
}

// updateSourcesActiveMetric refreshes mcproxy_sources_active from the
// database's live source count. Called after every mutation of the
// database's (group, source) membership (spec.md §6 last bullet).
func (e *Engine) updateSourcesActiveMetric() {
	if e.metrics != nil {
		e.metrics.SourcesActive.Set(float64(e.db.SourceCount()))
	}
}

// --- querier-state-change ---

func (e *Engine) handleQuerierStateChange(ctx context.Context, ev QuerierStateChange) {
	e.recomputeUpstreams(ctx, ev.Group)
	e.reconcileSourcesForGroup(ctx, ev.Group)
}

// recomputeUpstreams recomputes advertised[U,G] for every upstream U and
// emits a report on any that changed, caching the new state only on a
// successful send (spec.md §4.5 step 1, §4.5 failure semantics).
func (e *Engine) recomputeUpstreams(ctx context.Context, g mcaddr.Addr) {
	raw := e.rawDownstreamMemberships(g)
	downstream := aggregate.BuildDownstreamMemberships(e.rc, g, raw)

	// FIRST threads a remainder from one upstream to the next (spec.md
	// §4.4.1), so every FIRST-policy upstream must go through a single
	// aggregate.First call in configuration order — computing it one
	// upstream at a time would silently drop the remainder and over-
	// advertise every upstream after the first. MUTEX carries no such
	// state between upstreams, but is batched the same way for symmetry.
	var firstUpstreams, mutexUpstreams []config.ResolvedInterface
	for _, u := range e.rc.Upstreams() {
		if u.Policy == config.PolicyMutex {
			mutexUpstreams = append(mutexUpstreams, u)
		} else {
			firstUpstreams = append(firstUpstreams, u)
		}
	}

	states := make(map[network.IfIndex]aggregate.FilterState, len(firstUpstreams)+len(mutexUpstreams))
	for i, state := range aggregate.First(e.rc, g, firstUpstreams, downstream) {
		states[firstUpstreams[i].Index] = state
	}
	for i, state := range aggregate.Mutex(e.rc, g, mutexUpstreams, downstream, e.db) {
		states[mutexUpstreams[i].Index] = state
	}

	for _, u := range e.rc.Upstreams() {
		state := states[u.Index]
		if e.metrics != nil {
			e.metrics.AggregateRecomputeTotal.Inc()
		}

		key := upstreamGroupKey{u.Index, g}
		old, existed := e.advertised[key]
		if existed && old.Equal(state) {
			continue
		}

		outcome := "ok"
		if err := e.sender.SendRecord(ctx, u.Index, g, state, old); err != nil {
			outcome = "error"
			e.log.Warn("upstream send failed, will retry on next event", "upstream", u.Index, "group", g.String(), "err", err.Error())
		} else {
			e.advertised[key] = state
		}
		if e.metrics != nil {
			e.metrics.ReportsSentTotal.WithLabelValues(outcome).Inc()
		}
	}
}

// rawDownstreamMemberships gathers every downstream's unfiltered querier
// membership for g, in configured order, for the aggregator to consume.
func (e *Engine) rawDownstreamMemberships(g mcaddr.Addr) []aggregate.DownstreamMembership {
	var out []aggregate.DownstreamMembership
	for _, d := range e.rc.Downstreams() {
		q, ok := e.queriers[d.Index]
		if !ok {
			continue
		}
		out = append(out, aggregate.DownstreamMembership{Interface: d.Index, Name: d.Name, State: q.Membership(g)})
	}
	return out
}

// reconcileSourcesForGroup recomputes the downstream output set for every
// source currently forwarded for g, reprogramming or removing kernel
// entries as needed (spec.md §4.5 step 2).
func (e *Engine) reconcileSourcesForGroup(ctx context.Context, g mcaddr.Addr) {
	ifmap := e.db.InterfaceMap(g)
	for s, ingress := range ifmap {
		outputs := e.acceptingDownstreams(g, s)
		key := sourceKey{g, s}
		cur, ok := e.installed[key]
		if ok && outputsEqual(cur.outputs, outputs) {
			continue
		}

		if len(outputs) == 0 {
			e.db.DelSource(g, s)
			e.updateSourcesActiveMetric()
			if h, ok := e.timers[key]; ok {
				e.scheduler.Cancel(h)
				delete(e.timers, key)
			}
			if err := e.removeEntry(ctx, g, s); err != nil {
				e.log.Error("kernel del_entry failed during reconcile", "group", g.String(), "source", s.String(), "err", err.Error())
			}
			continue
		}

		if err := e.installEntry(ctx, ingress, g, s, outputs); err != nil {
			e.log.Error("kernel add_entry failed during reconcile", "group", g.String(), "source", s.String(), "err", err.Error())
		}
	}
}

func outputsEqual(installed map[network.IfIndex]bool, outputs []network.IfIndex) bool {
	if len(installed) != len(outputs) {
		return false
	}
	for _, o := range outputs {
		if !installed[o] {
			return false
		}
	}
	return true
}

// --- source-liveness timer ---

func (e *Engine) handleTimerFired(ctx context.Context, ev timerFired) {
	if e.scheduler.IsCancelled(ev.Handle) {
		return
	}

	outcome, err := e.db.RefreshOrEvict(ctx, ev.Group, ev.Source)
	if err != nil {
		e.log.Warn("refresh_or_evict kernel query failed", "group", ev.Group.String(), "source", ev.Source.String(), "err", err.Error())
	}

	switch outcome {
	case routingdb.Refreshed:
		e.scheduleSourceTimer(ev.Group, ev.Source)
	case routingdb.Evicted:
		delete(e.timers, sourceKey{ev.Group, ev.Source})
		e.updateSourcesActiveMetric()
		if err := e.removeEntry(ctx, ev.Group, ev.Source); err != nil {
			e.log.Error("kernel del_entry failed on eviction", "group", ev.Group.String(), "source", ev.Source.String(), "err", err.Error())
		}
		e.recomputeUpstreams(ctx, ev.Group)
	}
}

// --- observability ---

// Dump renders a diagnostic snapshot of the kernel forwarding entries this
// engine has installed (group, source, ingress, output count) and of the
// advertised FilterStates. Routing-database records are not listed
// themselves: a source whose kernel install failed does not appear. The
// render happens inside the worker, so the returned string reflects a
// single consistent instant (spec.md §5).
func (e *Engine) Dump(ctx context.Context) string {
	reply := make(chan string, 1)
	select {
	case e.events <- dumpRequest{reply: reply}:
	case <-ctx.Done():
		return ""
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return ""
	}
}

func (e *Engine) renderDump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "installed entries: %d\n", len(e.installed))

	keys := make([]sourceKey, 0, len(e.installed))
	for k := range e.installed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].group.Equal(keys[j].group) {
			return keys[i].group.Less(keys[j].group)
		}
		return keys[i].source.Less(keys[j].source)
	})
	for _, k := range keys {
		e := e.installed[k]
		fmt.Fprintf(&b, "  (%s,%s) ingress=%s outputs=%d\n", k.group, k.source, e.ingress, len(e.outputs))
	}

	fmt.Fprintf(&b, "advertised states: %d\n", len(e.advertised))
	ukeys := make([]upstreamGroupKey, 0, len(e.advertised))
	for k := range e.advertised {
		ukeys = append(ukeys, k)
	}
	sort.Slice(ukeys, func(i, j int) bool {
		if ukeys[i].upstream != ukeys[j].upstream {
			return ukeys[i].upstream < ukeys[j].upstream
		}
		return ukeys[i].group.Less(ukeys[j].group)
	})
	for _, k := range ukeys {
		st := e.advertised[k]
		fmt.Fprintf(&b, "  upstream=%s group=%s %s{%d sources}\n", k.upstream, k.group, st.Mode, st.Sources.Len())
	}
	return b.String()
}
