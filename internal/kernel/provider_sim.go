package kernel

import (
	"context"
	"sync"

	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/merrors"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
)

type entryKey struct {
	g, s mcaddr.Addr
}

type simEntry struct {
	ingress network.IfIndex
	outputs map[network.IfIndex]bool
	count   uint64
}

// SimSocket is a stateful in-memory Socket, standing in for the real MRT
// ioctl interface in tests and on platforms without it. It has no build
// constraint so it is always available to go test, unlike the teacher's
// darwin/simulator-tagged sibling.
type SimSocket struct {
	mu      sync.Mutex
	entries map[entryKey]*simEntry
}

// NewSim creates an empty SimSocket.
func NewSim() *SimSocket {
	return &SimSocket{entries: make(map[entryKey]*simEntry)}
}

func (k *SimSocket) AddEntry(_ context.Context, ingress network.IfIndex, g, s mcaddr.Addr, outputs []network.IfIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := entryKey{g, s}
	e, ok := k.entries[key]
	if !ok {
		e = &simEntry{}
		k.entries[key] = e
	}
	e.ingress = ingress
	e.outputs = make(map[network.IfIndex]bool, len(outputs))
	for _, o := range outputs {
		e.outputs[o] = true
	}
	return nil
}

func (k *SimSocket) DelEntry(_ context.Context, g, s mcaddr.Addr) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, entryKey{g, s})
	return nil
}

func (k *SimSocket) PacketCount(_ context.Context, _ network.IfIndex, g, s mcaddr.Addr) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[entryKey{g, s}]
	if !ok {
		return 0, merrors.Errorf(merrors.KindKernelProgramFailure, "kernel: no entry for (%s,%s)", g, s)
	}
	return e.count, nil
}

func (k *SimSocket) Close() error { return nil }

// Bump simulates a packet arriving for (g, s), advancing its kernel
// counter. Test-only helper; there is no real-world equivalent call since
// the kernel advances its own counter as traffic flows.
func (k *SimSocket) Bump(g, s mcaddr.Addr) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.entries[entryKey{g, s}]; ok {
		e.count++
	}
}

// HasEntry reports whether a forwarding entry for (g, s) is installed, and
// its current output set — for assertions in tests.
func (k *SimSocket) HasEntry(g, s mcaddr.Addr) (outputs []network.IfIndex, ingress network.IfIndex, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, present := k.entries[entryKey{g, s}]
	if !present {
		return nil, 0, false
	}
	for o := range e.outputs {
		outputs = append(outputs, o)
	}
	return outputs, e.ingress, true
}
