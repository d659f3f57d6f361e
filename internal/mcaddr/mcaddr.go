// Package mcaddr implements the opaque, family-aware IP address value used
// throughout the routing-management core for both group and source
// addresses (spec.md §3, "Group Address (G)" / "Source Address (S)").
package mcaddr

import (
	"bytes"
	"fmt"
	"net"
)

// Family tags an address as IPv4 or IPv6. Two addresses of different
// families are never equal, regardless of byte value.
type Family uint8

const (
	V4 Family = iota
	V6
)

func (f Family) String() string {
	if f == V6 {
		return "v6"
	}
	return "v4"
}

// Addr is a family-tagged, fixed-width IP address with total order.
// The zero value is not a valid address (use Wildcard or Parse).
type Addr struct {
	family Family
	bytes  [16]byte // v4 stored left-padded with zeros in bytes[0:12]; value in bytes[12:16]
}

// Parse converts a net.IP into an Addr, inferring the family from its
// representable form (a 4-in-6 mapped address is treated as V4).
func Parse(ip net.IP) (Addr, error) {
	if ip4 := ip.To4(); ip4 != nil {
		var a Addr
		a.family = V4
		copy(a.bytes[12:], ip4)
		return a, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		var a Addr
		a.family = V6
		copy(a.bytes[:], ip16)
		return a, nil
	}
	return Addr{}, fmt.Errorf("mcaddr: invalid IP address %v", ip)
}

// MustParse is like Parse but panics on error; for use with literal
// addresses known to be valid at compile time (tests, constants).
func MustParse(s string) Addr {
	ip := net.ParseIP(s)
	if ip == nil {
		panic(fmt.Sprintf("mcaddr: invalid address literal %q", s))
	}
	a, err := Parse(ip)
	if err != nil {
		panic(err)
	}
	return a
}

// Wildcard returns the all-zeros address of the given family — the
// "match all sources" marker used inside admin rules (spec.md §3, §4.4).
// It must never be stored in the routing database.
func Wildcard(family Family) Addr {
	return Addr{family: family}
}

// Family returns the address family.
func (a Addr) Family() Family { return a.family }

// IsWildcard reports whether a is the all-zeros address of its family.
func (a Addr) IsWildcard() bool {
	for _, b := range a.value() {
		if b != 0 {
			return false
		}
	}
	return true
}

func (a Addr) value() []byte {
	if a.family == V4 {
		return a.bytes[12:]
	}
	return a.bytes[:]
}

// Equal reports whether a and b have the same family and value.
func (a Addr) Equal(b Addr) bool {
	return a.family == b.family && bytes.Equal(a.value(), b.value())
}

// Less implements the total order used by srcset: family first (V4 < V6),
// then bytewise value comparison.
func (a Addr) Less(b Addr) bool {
	if a.family != b.family {
		return a.family < b.family
	}
	return bytes.Compare(a.value(), b.value()) < 0
}

// IP returns the address as a net.IP.
func (a Addr) IP() net.IP {
	v := a.value()
	ip := make(net.IP, len(v))
	copy(ip, v)
	return ip
}

// String renders the address in standard dotted-quad / colon-hex notation.
func (a Addr) String() string {
	return a.IP().String()
}
