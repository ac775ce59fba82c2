//go:build darwin

// File: tun/tun_darwin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// macOS/iOS utun device: a PF_SYSTEM control socket. Every frame carries a
// 4-byte big-endian address-family prefix.

package tun

import (
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/mem"
)

const (
	utunControlName = "com.apple.net.utun_control"
	utunOptIfname   = 2 // UTUN_OPT_IFNAME
)

// osCreateTunDevice creates a utun interface through the kernel control
// socket and reads back its name.
func osCreateTunDevice() (int, string, api.Code) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return -1, "", api.SocketFailed
	}

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		_ = unix.Close(fd)
		return -1, "", api.IoctlFailed
	}

	// Unit 0 asks the kernel to pick the next free utun number.
	sc := &unix.SockaddrCtl{ID: info.Id, Unit: 0}
	if err := unix.Connect(fd, sc); err != nil {
		_ = unix.Close(fd)
		return -1, "", api.ConnectFailed
	}

	name, err := unix.GetsockoptString(fd, unix.SYSPROTO_CONTROL, utunOptIfname)
	if err != nil {
		_ = unix.Close(fd)
		return -1, "", api.SocketFailed
	}

	return fd, name, api.Success
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
