// File: tun/iface.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Tunnel interface: the read/write loop between a kernel tun descriptor and
// the packet buffer system. Managed start creates and configures the device;
// unmanaged start adopts a descriptor the caller prepared.

package tun

import (
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/config"
	"github.com/momentics/hioload-net/event"
	"github.com/momentics/hioload-net/internal/logging"
	"github.com/momentics/hioload-net/mem"
	"github.com/momentics/hioload-net/sys"
)

// MinMTU is the floor applied to requested MTU values.
const MinMTU = 512

// Tunnel configuration.
var (
	OptMaxReadsPerEvent = config.NewLimitedNumber[uint8]("os.tun.max_reads_per_event",
		"Maximum number of packets to read per read event",
		1, 0xFF, 64)

	OptUseAsyncWrites = config.NewFlag("os.tun.async_writes",
		"Set to true to enable asynchronous tunnel writes",
		false)

	OptWriteQueueSize = config.NewLimitedNumber[uint16]("os.tun.write_queue_size",
		"The length of the per-tunnel write queue",
		4, 1000, 16)

	OptTxQueueLength = config.NewLimitedNumber[int]("os.tun.tx_queue_length",
		"The length (in packets) of the transmit queue to set on the tunnel device",
		1, 0x7FFFFFFF, 0x7FFFFFFF)

	OptTunMaxMemory = config.NewLimitedNumber[uint32]("os.tun.max_memory",
		"The max amount of pre-allocated memory that can be used by a tunnel interface "+
			"for reading packets (in megabytes)",
		1, 1024, 16)
)

// Owner receives the tunnel's upcalls. The tunnel keeps a non-owning
// back-reference; UnrefOwner detaches it when the owner goes away first.
type Owner interface {
	// TunPacketReceived delivers one validated packet read from the device.
	TunPacketReceived(iface *Iface, pkt *IpPacket)
	// TunClosed reports that the device closed underneath the tunnel.
	TunClosed(iface *Iface)
	// TunRateUpdate reports send/receive throughput in bytes per second.
	TunRateUpdate(iface *Iface, sendBps, recvBps uint64)
}

// Iface is a tunnel device bound to one event loop.
type Iface struct {
	log  zerolog.Logger
	loop *event.Loop

	owner  Owner
	writer *PacketWriter

	memPool *mem.Pool

	fd        int
	ifaceID   int
	ifaceName string
	ifaceMtu  int

	addresses map[netip.Addr]struct{}

	rateIntervalMs uint32
	lastRateUpdate sys.Time
	sentBytes      uint64
	recvBytes      uint64
}

// NewIface creates a stopped tunnel owned by owner.
func NewIface(loop *event.Loop, owner Owner) *Iface {
	flags := 0
	if OptUseAsyncWrites.Value() {
		flags |= WriterFlagThreaded
	}
	return &Iface{
		log:       logging.Component("tun"),
		loop:      loop,
		owner:     owner,
		writer:    NewPacketWriter(loop, flags, int(OptWriteQueueSize.Value())),
		fd:        -1,
		ifaceID:   -1,
		addresses: make(map[netip.Addr]struct{}),
	}
}

// UnrefOwner detaches the owner; subsequent upcalls are dropped.
func (t *Iface) UnrefOwner() { t.owner = nil }

// IsInitialized reports whether the tunnel has a device descriptor.
func (t *Iface) IsInitialized() bool { return t.fd >= 0 }

// IsManaged reports whether the tunnel created and configured its device.
func (t *Iface) IsManaged() bool { return t.ifaceID >= 0 }

// Mtu returns the configured MTU (0 = OS default).
func (t *Iface) Mtu() int { return t.ifaceMtu }

// IfaceName returns the kernel interface name (managed mode).
func (t *Iface) IfaceName() string { return t.ifaceName }

// IfaceID returns the kernel interface index (managed mode), or -1.
func (t *Iface) IfaceID() int { return t.ifaceID }

// Addresses returns the tunnel's IP addresses.
func (t *Iface) Addresses() []netip.Addr {
	out := make([]netip.Addr, 0, len(t.addresses))
	for a := range t.addresses {
		out = append(out, a)
	}
	return out
}

// SetRateInterval enables rate monitoring every intervalMs (0 disables).
func (t *Iface) SetRateInterval(intervalMs uint32) {
	t.rateIntervalMs = intervalMs
	t.lastRateUpdate = t.loop.CurrentTime(false)
	t.sentBytes = 0
	t.recvBytes = 0
}

// StartManaged creates the OS tun device, configures MTU (floored at
// MinMTU) and, on Linux, link state, and arms the read loop. On macOS and
// the BSDs only the MTU is set; the interface is not brought up.
func (t *Iface) StartManaged(ifaceMtu int) api.Code {
	if t.fd >= 0 {
		return api.AlreadyInitialized
	}

	tunFd, ifaceName, code := osCreateTunDevice()
	if !code.IsOK() {
		return code
	}

	ifaceID, code := configureIface(ifaceName, ifaceMtu)
	if code.IsOK() {
		code = t.setupFd(tunFd)
	}
	if !code.IsOK() {
		_ = event.CloseRawFd(tunFd)
		return code
	}

	t.ifaceID = ifaceID
	t.ifaceName = ifaceName
	t.configureMemPool(ifaceMtu)

	t.log.Info().Str("iface", ifaceName).Int("mtu", ifaceMtu).Msg("tunnel started")
	return api.Success
}

// StartUnmanaged adopts an already-configured descriptor.
func (t *Iface) StartUnmanaged(fd int, addresses []netip.Addr, ifaceMtu int) api.Code {
	if fd < 0 || len(addresses) < 1 {
		return api.InvalidParameter
	}

	code := t.setupFd(fd)
	if code.IsOK() {
		t.configureMemPool(ifaceMtu)
		for _, a := range addresses {
			t.addresses[a] = struct{}{}
		}
	}
	return code
}

func (t *Iface) setupFd(fd int) api.Code {
	if fd < 0 {
		return api.InvalidParameter
	}
	if t.fd >= 0 {
		return api.AlreadyInitialized
	}

	t.fd = fd
	t.loop.SetFdHandler(fd, t, api.EventRead)
	t.writer.SetupFd(fd)
	return api.Success
}

// configureMemPool gives the tunnel a dedicated pool when the MTU exceeds
// the packet store's block size. Pool capacity follows the per-tunnel
// memory budget.
func (t *Iface) configureMemPool(ifaceMtu int) {
	if ifaceMtu > 0 && ifaceMtu < MinMTU {
		ifaceMtu = MinMTU
	}
	t.ifaceMtu = ifaceMtu

	if ifaceMtu <= mem.PacketSize {
		return
	}

	budget := uint64(OptTunMaxMemory.Value()) << 20
	maxSlabs := mem.PacketMaxSlabs
	blocksPerSlab := int(budget / uint64(maxSlabs*(ifaceMtu+mem.DefaultPayloadOffset)))
	if blocksPerSlab < 1 {
		blocksPerSlab = 1
	}

	t.memPool = mem.NewPool(ifaceMtu, blocksPerSlab, maxSlabs, 0)
}

// Stop detaches from the event loop and closes the device.
func (t *Iface) Stop() {
	t.writer.ClearFd()

	t.ifaceID = -1
	t.ifaceName = ""
	t.addresses = make(map[netip.Addr]struct{})

	if t.fd >= 0 {
		t.loop.CloseFd(t.fd)
		t.fd = -1
	}
}

// Shutdown stops the tunnel and releases its dedicated pool.
func (t *Iface) Shutdown() {
	t.Stop()
	t.writer.Shutdown()
	if t.memPool != nil {
		t.memPool.Shutdown()
		t.memPool = nil
	}
}

// AddAddress records (managed mode) an address on the tunnel.
func (t *Iface) AddAddress(addr netip.Addr) api.Code {
	if !t.IsManaged() {
		return api.InvalidParameter
	}
	if _, ok := t.addresses[addr]; ok {
		return api.AlreadyExists
	}
	t.addresses[addr] = struct{}{}
	return api.Success
}

// RemoveAddress removes an address (managed mode).
func (t *Iface) RemoveAddress(addr netip.Addr) bool {
	if !t.IsManaged() {
		return false
	}
	if _, ok := t.addresses[addr]; !ok {
		return false
	}
	delete(t.addresses, addr)
	return true
}

// ReceiveFdEvent implements api.FdEventHandler: drains the write queue on
// writability and runs the bounded read loop on readability.
func (t *Iface) ReceiveFdEvent(fd int, events int) {
	if events&api.EventWrite != 0 {
		t.loop.DisableWriteEvents(fd)
		t.writer.OnWritable()
	}

	if events&api.EventRead == 0 {
		return
	}

	maxReads := int(OptMaxReadsPerEvent.Value())

	for i := 0; i < maxReads && t.fd >= 0; i++ {
		var buf mem.Handle
		if t.memPool != nil {
			buf = t.memPool.GetHandle(true)
		} else {
			buf = mem.GetPacket(t.ifaceMtu)
		}

		if buf.IsEmpty() {
			t.log.Error().Msg("out of memory to read from tun")
			break
		}

		if !t.osRead(&buf) {
			buf.Release()
			t.Stop()
			break
		}

		if buf.IsEmpty() {
			// EAGAIN; nothing more to read this iteration.
			break
		}

		t.packetReceived(buf)
	}

	if t.fd < 0 {
		// Closed during the read cycle; tell the owner.
		if owner := t.owner; owner != nil {
			owner.TunClosed(t)
		}
	}
}

// packetReceived wraps one read buffer and delivers it upward.
func (t *Iface) packetReceived(buf mem.Handle) {
	t.recvBytes += uint64(buf.Size())

	pkt := NewIpPacket(buf)
	buf.Release()

	t.maybeUpdateRates()

	if owner := t.owner; owner != nil {
		owner.TunPacketReceived(t, pkt)
	} else {
		pkt.Release()
	}
}

// SendPacket queues one datagram for transmission.
func (t *Iface) SendPacket(pkt *IpPacket) api.Code {
	if pkt == nil || !pkt.IsValid() || pkt.Data().IsEmpty() {
		return api.InvalidParameter
	}
	if t.fd < 0 {
		return api.NotInitialized
	}

	var vec mem.Vector
	if !osGetWriteData(pkt, &vec) {
		vec.Clear()
		return api.MemoryError
	}

	code := t.writer.Write(&vec)
	if code.IsOK() {
		t.sentBytes += uint64(pkt.PacketSize())
		t.maybeUpdateRates()
	} else {
		vec.Clear()
	}
	return code
}

// maybeUpdateRates reports throughput once per configured interval.
func (t *Iface) maybeUpdateRates() {
	if t.rateIntervalMs < 1 {
		return
	}

	now := t.loop.CurrentTime(false)
	if !now.AfterEqByMilliseconds(t.lastRateUpdate, t.rateIntervalMs) {
		return
	}

	elapsed := now.DiffMilliseconds(t.lastRateUpdate)
	if elapsed < 1 {
		elapsed = 1
	}

	sendBps := t.sentBytes * 1000 / uint64(elapsed)
	recvBps := t.recvBytes * 1000 / uint64(elapsed)

	t.sentBytes = 0
	t.recvBytes = 0
	t.lastRateUpdate = now

	if owner := t.owner; owner != nil {
		owner.TunRateUpdate(t, sendBps, recvBps)
	}
}

// SentBytes returns bytes queued for transmit since the last rate window.
func (t *Iface) SentBytes() uint64 { return t.sentBytes }

// RecvBytes returns bytes received since the last rate window.
func (t *Iface) RecvBytes() uint64 { return t.recvBytes }
