//go:build linux
// +build linux

package kernel

import (
	"context"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mcproxy/mcproxy-sub001/internal/mcaddr"
	"github.com/mcproxy/mcproxy-sub001/internal/merrors"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
)

const maxVifs = 32

// mfcctl mirrors linux/mroute.h's struct mfcctl, passed by pointer to the
// MRT_ADD_MFC/MRT_DEL_MFC setsockopt calls. Only the fields the kernel
// reads on a write are populated; pktCnt/byteCnt/wrongIf are kernel-owned
// on read (via SIOCGETSGCNT, not this struct).
type mfcctl struct {
	origin   [4]byte
	mcastgrp [4]byte
	parent   uint16
	ttls     [maxVifs]uint8
	pktCnt   uint32
	byteCnt  uint32
	wrongIf  uint32
	expire   int32
}

// sgCountReq mirrors linux/mroute.h's struct sioc_sg_req, used with
// SIOCGETSGCNT to read a forwarding entry's packet counter.
type sgCountReq struct {
	src     [4]byte
	grp     [4]byte
	pktcnt  uint64
	bytecnt uint64
	wrongIf uint64
}

// LinuxSocket implements Socket using the kernel's legacy MRT
// ioctl/setsockopt interface over a raw IGMP socket. It addresses
// interfaces by index only; name resolution lives in internal/network.
//
// TODO: IPv4 only. MLDv2 groups need the IPv6 sibling interface
// (MRT6_INIT/MRT6_ADD_MFC over an ICMPv6 socket, linux/mroute6.h); not
// wired yet.
type LinuxSocket struct {
	mu  sync.Mutex
	fd  int
	ttl uint8 // forwarding TTL threshold applied to every enabled output vif
}

// NewLinux opens a raw IGMP socket and enables multicast forwarding on it
// (MRT_INIT). Interfaces must already be registered as multicast-forwarding
// vifs (AddVif) before AddEntry references them — spec.md §9 treats vif
// registration as part of interface setup, out of the aggregator's scope.
func NewLinux() (*LinuxSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_IGMP)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.KindKernelProgramFailure, "kernel: open raw igmp socket")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.MRT_INIT, 1); err != nil {
		unix.Close(fd)
		return nil, merrors.Wrap(err, merrors.KindKernelProgramFailure, "kernel: MRT_INIT")
	}
	return &LinuxSocket{fd: fd, ttl: 1}, nil
}

// AddVif registers idx as a multicast-forwarding virtual interface at vif
// number vifi. Vif numbers are the engine's own bookkeeping (0..maxVifs-1)
// and must match the indices used in AddEntry's outputs.
func (k *LinuxSocket) AddVif(vifi uint16, idx network.IfIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	vc := struct {
		vifi   uint16
		threshold uint8
		rateLimit uint32
		lclAddr   [4]byte
		rmtAddr   [4]byte
		ifIndex   int32
	}{vifi: vifi, threshold: k.ttl, ifIndex: int32(idx)}

	return k.setsockopt(unix.MRT_ADD_VIF, unsafe.Pointer(&vc), unsafe.Sizeof(vc))
}

func (k *LinuxSocket) AddEntry(_ context.Context, ingress network.IfIndex, g, s mcaddr.Addr, outputs []network.IfIndex) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var mc mfcctl
	copy(mc.origin[:], s.IP().To4())
	copy(mc.mcastgrp[:], g.IP().To4())
	mc.parent = uint16(ingress)
	for _, o := range outputs {
		if int(o) < maxVifs {
			mc.ttls[o] = k.ttl
		}
	}

	if err := k.setsockopt(unix.MRT_ADD_MFC, unsafe.Pointer(&mc), unsafe.Sizeof(mc)); err != nil {
		return merrors.Wrapf(err, merrors.KindKernelProgramFailure, "kernel: add_entry(%s,%s)", g, s)
	}
	return nil
}

func (k *LinuxSocket) DelEntry(_ context.Context, g, s mcaddr.Addr) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var mc mfcctl
	copy(mc.origin[:], s.IP().To4())
	copy(mc.mcastgrp[:], g.IP().To4())

	if err := k.setsockopt(unix.MRT_DEL_MFC, unsafe.Pointer(&mc), unsafe.Sizeof(mc)); err != nil {
		return merrors.Wrapf(err, merrors.KindKernelProgramFailure, "kernel: del_entry(%s,%s)", g, s)
	}
	return nil
}

func (k *LinuxSocket) PacketCount(_ context.Context, _ network.IfIndex, g, s mcaddr.Addr) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var req sgCountReq
	copy(req.src[:], s.IP().To4())
	copy(req.grp[:], g.IP().To4())

	if err := k.ioctl(uintptr(unix.SIOCGETSGCNT), unsafe.Pointer(&req)); err != nil {
		return 0, merrors.Wrapf(err, merrors.KindKernelProgramFailure, "kernel: packet_count(%s,%s)", g, s)
	}
	return req.pktcnt, nil
}

func (k *LinuxSocket) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	_ = unix.SetsockoptInt(k.fd, unix.IPPROTO_IP, unix.MRT_DONE, 0)
	return unix.Close(k.fd)
}

func (k *LinuxSocket) setsockopt(opt int, p unsafe.Pointer, size uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(k.fd), uintptr(unix.IPPROTO_IP),
		uintptr(opt), uintptr(p), size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (k *LinuxSocket) ioctl(req uintptr, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(k.fd), uintptr(req), uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}
