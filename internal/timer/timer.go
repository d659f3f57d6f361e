// Package timer implements the worker-queue timer scheduler the engine
// consumes (spec.md §4.3): schedule a message for delivery at a future
// instant, with best-effort cancellation by handle. Each schedule is
// delivered from its own timer goroutine once due; the delivery order of
// schedules due at the same (or nearly the same) instant is not defined.
//
// Grounded on transitorykris-kbgp's timer.Timer (time.AfterFunc-based,
// Reset/Stop/Running) generalized from a single fixed callback into a
// handle-addressable scheduler that feeds a shared worker channel instead
// of invoking an arbitrary closure per timer.
package timer

import (
	"sync"
	"time"
)

// Handle identifies one scheduled message for cancellation.
type Handle uint64

// Event is what the scheduler delivers on the worker channel when a
// schedule fires and was not cancelled first.
type Event struct {
	Handle Handle
	Msg    any
}

// Scheduler is the default implementation of the engine's timer contract.
// Zero value is not usable; construct with New.
type Scheduler struct {
	mu        sync.Mutex
	seq       uint64
	cancelled map[Handle]bool
	out       chan<- Event
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// New builds a Scheduler that delivers fired, non-cancelled messages onto
// out. out is owned by the caller (typically the engine's event queue) and
// is never closed by the scheduler.
func New(out chan<- Event) *Scheduler {
	return &Scheduler{
		cancelled: make(map[Handle]bool),
		out:       out,
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

// Schedule arranges for msg to be delivered on the scheduler's out channel
// after d elapses, and returns a Handle that Cancel accepts. Handles are
// assigned in increasing order. Each schedule runs on its own
// time.AfterFunc goroutine, so schedules due at the same instant are not
// delivered in handle (FIFO) order.
func (s *Scheduler) Schedule(d time.Duration, msg any) Handle {
	s.mu.Lock()
	s.seq++
	h := Handle(s.seq)
	s.mu.Unlock()

	s.afterFunc(d, func() { s.fire(h, msg) })
	return h
}

func (s *Scheduler) fire(h Handle, msg any) {
	s.mu.Lock()
	if s.cancelled[h] {
		delete(s.cancelled, h)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.out <- Event{Handle: h, Msg: msg}
}

// Cancel marks h as cancelled. If the timer has not yet fired, its
// delivery is suppressed. If it has already fired and is in flight on the
// channel, the engine must still ignore it on arrival (spec.md §4.3,
// "a delivered-but-not-yet-processed message must be ignored by the engine
// if its handle was cancelled") — Cancel alone cannot retract a message
// already in the channel buffer.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[h] = true
}

// IsCancelled reports whether h was cancelled, for an engine that wants to
// double-check a received Event before acting on stale in-flight state.
func (s *Scheduler) IsCancelled(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[h]
}
