// File: tun/iface_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The read/write loop is exercised against a datagram socket pair standing
// in for the kernel device: one read returns one datagram, exactly like a
// tun descriptor.

package tun

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/event"
	"github.com/momentics/hioload-net/mem"
)

// buildIPv4Packet makes a minimal valid IPv4 datagram of the given size.
func buildIPv4Packet(t *testing.T, size int) *IpPacket {
	t.Helper()
	if size < ipv4MinHeaderSize {
		t.Fatalf("packet size %d too small", size)
	}

	h := mem.NewHandle(size)
	w := h.Writable()
	w[0] = 0x45 // v4, IHL 5
	binary.BigEndian.PutUint16(w[2:4], uint16(size))
	for i := ipv4MinHeaderSize; i < size; i++ {
		w[i] = byte(i)
	}

	pkt := NewIpPacket(h)
	h.Release()
	return pkt
}

type recordingOwner struct {
	packets [][]byte
	closed  int
	rates   int
}

func (o *recordingOwner) TunPacketReceived(iface *Iface, pkt *IpPacket) {
	var out mem.Handle
	pkt.Data().StoreContinuous(&out)
	o.packets = append(o.packets, append([]byte(nil), out.Bytes()...))
	out.Release()
	pkt.Release()
}

func (o *recordingOwner) TunClosed(iface *Iface)                     { o.closed++ }
func (o *recordingOwner) TunRateUpdate(iface *Iface, s, r uint64)    { o.rates++ }

// newTestIface wires a tunnel to one end of a datagram socket pair.
func newTestIface(t *testing.T) (*Iface, *recordingOwner, int, *event.Loop) {
	t.Helper()

	loop, err := event.NewLoop()
	if err != nil {
		t.Fatalf("loop init: %v", err)
	}
	t.Cleanup(func() { loop.Shutdown(true) })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	owner := &recordingOwner{}
	iface := NewIface(loop, owner)

	addrs := []netip.Addr{netip.MustParseAddr("10.99.0.1")}
	if code := iface.StartUnmanaged(fds[0], addrs, 1500); !code.IsOK() {
		t.Fatalf("StartUnmanaged: %s", code)
	}
	t.Cleanup(iface.Shutdown)

	return iface, owner, fds[1], loop
}

func TestReadLoopCapPerEvent(t *testing.T) {
	old := OptMaxReadsPerEvent.Value()
	if err := OptMaxReadsPerEvent.SetValue(3); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = OptMaxReadsPerEvent.SetValue(old) }()

	iface, owner, peer, _ := newTestIface(t)

	// Five datagrams wait on the descriptor.
	for i := 0; i < 5; i++ {
		pkt := []byte{0x45, 0, 0, 24, byte(i), 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4}
		if _, err := unix.Write(peer, pkt); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// One readiness event delivers at most the configured cap.
	iface.ReceiveFdEvent(iface.fd, api.EventRead)
	if len(owner.packets) != 3 {
		t.Fatalf("first event delivered %d packets, want 3", len(owner.packets))
	}

	// The next readiness event picks up the remainder.
	iface.ReceiveFdEvent(iface.fd, api.EventRead)
	if len(owner.packets) != 5 {
		t.Fatalf("total delivered %d packets, want 5", len(owner.packets))
	}
	if owner.closed != 0 {
		t.Fatal("tunnel reported closed while the descriptor is healthy")
	}
}

func TestReadDeliversExactBytes(t *testing.T) {
	iface, owner, peer, _ := newTestIface(t)

	want := []byte{0x45, 0, 0, 21, 9, 9, 9, 9, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0xAA}
	if _, err := unix.Write(peer, want); err != nil {
		t.Fatal(err)
	}

	iface.ReceiveFdEvent(iface.fd, api.EventRead)

	if len(owner.packets) != 1 || !bytes.Equal(owner.packets[0], want) {
		t.Fatalf("delivered %d packets, content mismatch", len(owner.packets))
	}
}

func TestReadClosedDeviceNotifiesOwner(t *testing.T) {
	iface, owner, peer, _ := newTestIface(t)

	// A zero-length read means the device is gone; a zero-length
	// datagram reproduces it exactly.
	if _, err := unix.Write(peer, nil); err != nil {
		t.Fatal(err)
	}

	iface.ReceiveFdEvent(iface.fd, api.EventRead)

	if iface.IsInitialized() {
		t.Fatal("tunnel should have closed itself")
	}
	if owner.closed != 1 {
		t.Fatalf("closed callbacks = %d, want 1", owner.closed)
	}
}

func TestSendPacketWritesDatagram(t *testing.T) {
	iface, _, peer, _ := newTestIface(t)

	pkt := buildIPv4Packet(t, 64)
	defer pkt.Release()

	if code := iface.SendPacket(pkt); !code.IsOK() {
		t.Fatalf("SendPacket: %s", code)
	}

	buf := make([]byte, 2048)
	n, err := unix.Read(peer, buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if n != 64 || buf[0] != 0x45 {
		t.Fatalf("peer received %d bytes, first=%#x", n, buf[0])
	}
}

func TestSendPacketValidation(t *testing.T) {
	iface, _, _, _ := newTestIface(t)

	if code := iface.SendPacket(nil); code != api.InvalidParameter {
		t.Fatalf("nil packet: %s", code)
	}

	// Garbage bytes are not a valid IP packet.
	h := mem.NewHandle(10)
	copy(h.Writable(), []byte{0xFF, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	bad := NewIpPacket(h)
	h.Release()
	defer bad.Release()

	if code := iface.SendPacket(bad); code != api.InvalidParameter {
		t.Fatalf("invalid packet: %s", code)
	}
}

func TestSendPacketBeforeStart(t *testing.T) {
	loop, err := event.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Shutdown(true)

	iface := NewIface(loop, &recordingOwner{})
	pkt := buildIPv4Packet(t, 32)
	defer pkt.Release()

	if code := iface.SendPacket(pkt); code != api.NotInitialized {
		t.Fatalf("send before start: %s, want NotInitialized", code)
	}
}

func TestMtuFloor(t *testing.T) {
	loop, err := event.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Shutdown(true)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])

	iface := NewIface(loop, &recordingOwner{})
	addrs := []netip.Addr{netip.MustParseAddr("10.99.0.2")}
	if code := iface.StartUnmanaged(fds[0], addrs, 100); !code.IsOK() {
		t.Fatalf("StartUnmanaged: %s", code)
	}
	defer iface.Shutdown()

	if iface.Mtu() != MinMTU {
		t.Fatalf("mtu = %d, want floor %d", iface.Mtu(), MinMTU)
	}
}

func TestUnrefOwnerStopsUpcalls(t *testing.T) {
	iface, owner, peer, _ := newTestIface(t)

	iface.UnrefOwner()

	pkt := []byte{0x45, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4}
	if _, err := unix.Write(peer, pkt); err != nil {
		t.Fatal(err)
	}

	iface.ReceiveFdEvent(iface.fd, api.EventRead)
	if len(owner.packets) != 0 {
		t.Fatal("detached owner still received packets")
	}
}
