// Package kernel abstracts the OS multicast-forwarding subsystem.
// Components interact with this interface instead of making direct
// ioctl/setsockopt calls (spec.md §6, "Routing-socket contract").
//
// On Linux it wraps the legacy MRT ioctl/setsockopt interface
// (linux/mroute.h) that backs ip mroute programming; elsewhere, and in
// tests, it is backed by an in-memory simulator.
package kernel

import (
	"context"

	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
)

// Socket is the routing-socket contract the engine programs (spec.md §6).
type Socket interface {
	// AddEntry installs or replaces the forwarding entry for (G,S):
	// packets arriving on ingress are forwarded to every interface in
	// outputs. An empty outputs still installs a "drop" entry — required
	// so the kernel stops escalating the packet to userspace.
	AddEntry(ctx context.Context, ingress network.IfIndex, g, s mcaddr.Addr, outputs []network.IfIndex) error

	// DelEntry removes the forwarding entry for (G,S), if any.
	DelEntry(ctx context.Context, g, s mcaddr.Addr) error

	// PacketCount returns the kernel's monotonic packet counter for the
	// forwarding entry (G,S) on ingress. Used by the routing database to
	// drive refresh/evict decisions (spec.md §4.2).
	PacketCount(ctx context.Context, ingress network.IfIndex, g, s mcaddr.Addr) (uint64, error)

	// Close releases the underlying socket.
	Close() error
}
