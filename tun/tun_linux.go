//go:build linux

// File: tun/tun_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux tun device: /dev/net/tun with IFF_TUN|IFF_NO_PI, so packets carry
// no prefix. Device configuration goes through ioctls on a throwaway dgram
// socket; the interface index is read uncached, since async route caches
// will not know a just-created device yet.

package tun

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/config"
	"github.com/momentics/hioload-net/mem"
)

const tunDev = "/dev/net/tun"

// OptTunModPath points at the tun kernel module for autoloading.
var OptTunModPath = config.NewString("os.tun_mod.path",
	"The path to the tun module (for example: /lib/modules/tun.ko)", "")

// tryToLoadTunMod reads a module image (possibly gzipped) and asks the
// kernel to load it.
func tryToLoadTunMod(modPath string) bool {
	if len(modPath) < 1 {
		return false
	}

	raw, err := os.ReadFile(modPath)
	if err != nil || len(raw) < 1 {
		return false
	}

	image := raw
	if strings.HasSuffix(modPath, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return false
		}
		image, err = io.ReadAll(zr)
		if err != nil || len(image) < 1 {
			return false
		}
	}

	return unix.InitModule(image, "") == nil
}

// loadTunModule walks the well-known module locations, ending with the path
// derived from the running kernel version.
func loadTunModule() {
	paths := []string{
		OptTunModPath.Value(),
		"/lib/modules/tun.ko",
		"/lib/modules/tun.ko.gz",
		"/system/lib/modules/tun.ko",
		"/system/lib/modules/tun.ko.gz",
	}
	for _, p := range paths {
		if tryToLoadTunMod(p) {
			return
		}
	}

	ver, err := os.ReadFile("/proc/version")
	if err != nil {
		return
	}
	fields := strings.Fields(string(ver))
	if len(fields) < 3 {
		return
	}

	path := "/lib/modules/" + fields[2] + "/kernel/drivers/net/tun.ko"
	if !tryToLoadTunMod(path) {
		tryToLoadTunMod(path + ".gz")
	}
}

// osCreateTunDevice opens the tun clone device and creates an interface,
// returning its descriptor and kernel-assigned name.
func osCreateTunDevice() (int, string, api.Code) {
	tunFd, err := unix.Open(tunDev, unix.O_RDWR, 0)
	if err != nil {
		// Maybe the module is not loaded; try once more after loading.
		loadTunModule()
		tunFd, err = unix.Open(tunDev, unix.O_RDWR, 0)
		if err != nil {
			return -1, "", api.OpenFailed
		}
	}

	// Always a TUN device, no protocol+flags padding.
	ifr, err := unix.NewIfreq("")
	if err != nil {
		_ = unix.Close(tunFd)
		return -1, "", api.IoctlFailed
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(tunFd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(tunFd)
		return -1, "", api.IoctlFailed
	}
	ifaceName := ifr.Name()

	if OptTxQueueLength.IsSet() {
		// ioctl on the tunnel fd itself is refused; a scratch socket is
		// needed for interface ioctls.
		sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		if err != nil {
			_ = unix.Close(tunFd)
			return -1, "", api.SocketFailed
		}

		qreq, _ := unix.NewIfreq(ifaceName)
		qreq.SetUint32(uint32(OptTxQueueLength.Value()))
		err = unix.IoctlIfreq(sock, unix.SIOCSIFTXQLEN, qreq)
		_ = unix.Close(sock)

		if err != nil {
			_ = unix.Close(tunFd)
			return -1, "", api.IoctlFailed
		}
	}

	return tunFd, ifaceName, api.Success
}

// configureIface looks up the interface id directly from the kernel, sets
// the MTU (floored at MinMTU) and brings the link up.
func configureIface(ifaceName string, ifaceMtu int) (int, api.Code) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, api.SocketFailed
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(ifaceName)
	if err != nil {
		return -1, api.InvalidParameter
	}

	if err := unix.IoctlIfreq(sock, unix.SIOCGIFINDEX, ifr); err != nil {
		return -1, api.NotFound
	}
	ifaceID := int(ifr.Uint32())

	if ifaceMtu > 0 {
		mtu := ifaceMtu
		if mtu < MinMTU {
			mtu = MinMTU
		}
		mreq, _ := unix.NewIfreq(ifaceName)
		mreq.SetUint32(uint32(mtu))
		if err := unix.IoctlIfreq(sock, unix.SIOCSIFMTU, mreq); err != nil {
			return -1, api.IoctlFailed
		}
	}

	freq, _ := unix.NewIfreq(ifaceName)
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFFLAGS, freq); err != nil {
		return -1, api.IoctlFailed
	}
	freq.SetUint16(freq.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, freq); err != nil {
		return -1, api.IoctlFailed
	}

	return ifaceID, api.Success
}

// osRead fills buf from the device. False means the device is gone; an
// empty buf with a true result means EAGAIN.
func (t *Iface) osRead(buf *mem.Handle) bool {
	w := buf.Writable()
	if w == nil {
		return false
	}

	n, err := unix.Read(t.fd, w)

	if n == 0 {
		t.log.Error().Msg("tunnel interface has been closed")
		buf.Clear()
		return false
	}
	if n > 0 {
		buf.Truncate(n)
		return true
	}

	if err == unix.EAGAIN {
		buf.Clear()
		return true
	}

	t.log.Error().Err(err).Msg("error reading from tunnel interface")
	buf.Clear()
	return false
}

// osGetWriteData composes the raw datagram; Linux tun frames carry no
// prefix.
func osGetWriteData(pkt *IpPacket, vec *mem.Vector) bool {
	return vec.AppendVector(pkt.Data(), 0)
}
