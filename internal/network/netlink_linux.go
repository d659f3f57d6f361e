//go:build linux

package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// LinkResolver is a Resolver backed by live netlink link lookups, for
// production use on Linux.
type LinkResolver struct{}

// NewLinkResolver returns a Resolver that asks the kernel via netlink.
func NewLinkResolver() *LinkResolver { return &LinkResolver{} }

func (LinkResolver) ByName(name string) (IfIndex, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("network: interface %q not found: %w", name, err)
	}
	return IfIndex(link.Attrs().Index), nil
}

func (LinkResolver) Name(idx IfIndex) (string, bool) {
	link, err := netlink.LinkByIndex(int(idx))
	if err != nil {
		return "", false
	}
	return link.Attrs().Name, true
}
