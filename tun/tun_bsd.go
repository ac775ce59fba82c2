//go:build freebsd || netbsd || openbsd || dragonfly

// File: tun/tun_bsd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BSD tun device: /dev/tunN in point-to-point mode with TUNSIFHEAD, so
// every frame carries the 4-byte address-family prefix.

package tun

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/mem"
)

// tun ioctls (net/if_tun.h).
const (
	ioctlTunSifMode = 0x8004745e // TUNSIFMODE
	ioctlTunSlMode  = 0x8004745d // TUNSLMODE
	ioctlTunSifHead = 0x80047460 // TUNSIFHEAD
)

const maxTunUnits = 256

// osCreateTunDevice walks /dev/tunN until a free unit opens, then switches
// it to prefixed point-to-point framing.
func osCreateTunDevice() (int, string, api.Code) {
	for unit := 0; unit < maxTunUnits; unit++ {
		name := fmt.Sprintf("tun%d", unit)

		fd, err := unix.Open("/dev/"+name, unix.O_RDWR, 0)
		if err != nil {
			if err == unix.EBUSY {
				continue
			}
			return -1, "", api.OpenFailed
		}

		if err := unix.IoctlSetPointerInt(fd, ioctlTunSifMode, unix.IFF_POINTOPOINT); err != nil {
			_ = unix.Close(fd)
			return -1, "", api.IoctlFailed
		}
		if err := unix.IoctlSetPointerInt(fd, ioctlTunSlMode, 0); err != nil {
			_ = unix.Close(fd)
			return -1, "", api.IoctlFailed
		}
		if err := unix.IoctlSetPointerInt(fd, ioctlTunSifHead, 1); err != nil {
			_ = unix.Close(fd)
			return -1, "", api.IoctlFailed
		}

		return fd, name, api.Success
	}

	return -1, "", api.OpenFailed
}

// ifreqMtu mirrors struct ifreq with ifr_mtu in the union.
type ifreqMtu struct {
	Name [unix.IFNAMSIZ]byte
	Mtu  int32
	pad  [12]byte
}

// configureIface resolves the interface id and applies the MTU through a
// raw socket ioctl (no ifreq helpers outside Linux).
func configureIface(ifaceName string, ifaceMtu int) (int, api.Code) {
	ni, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return -1, api.NotFound
	}
	ifaceID := ni.Index

	if ifaceMtu > 0 {
		mtu := ifaceMtu
		if mtu < MinMTU {
			mtu = MinMTU
		}

		sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		if err != nil {
			return -1, api.SocketFailed
		}
		defer unix.Close(sock)

		var ifr ifreqMtu
		copy(ifr.Name[:], ifaceName)
		ifr.Mtu = int32(mtu)

		_, _, errno := unix.Syscall(unix.SYS_IOCTL,
			uintptr(sock), uintptr(unix.SIOCSIFMTU), uintptr(unsafe.Pointer(&ifr)))
		if errno != 0 {
			return -1, api.IoctlFailed
		}
	}

	return ifaceID, api.Success
}

// osRead reads one prefixed frame and strips the prefix.
func (t *Iface) osRead(buf *mem.Handle) bool {
	w := buf.Writable()
	if w == nil {
		return false
	}

	n, err := unix.Read(t.fd, w)

	if n == 0 {
		buf.Clear()
		return false
	}
	if n > 0 {
		buf.Truncate(n)
		if !stripAfPrefix(buf) {
			buf.Clear()
		}
		return true
	}

	if err == unix.EAGAIN {
		buf.Clear()
		return true
	}

	buf.Clear()
	return false
}

// osGetWriteData frames the datagram with its address-family prefix.
func osGetWriteData(pkt *IpPacket, vec *mem.Vector) bool {
	if !vec.AppendVector(pkt.Data(), 0) {
		return false
	}
	return prependAfPrefix(pkt, vec, unix.AF_INET, unix.AF_INET6)
}
