// File: tun/packet.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IP packet wrapper over the scatter/gather vector. Validation is
// intentionally shallow: version sanity and length consistency, enough for
// routing the packet to its owner.

package tun

import (
	"encoding/binary"

	"github.com/momentics/hioload-net/mem"
)

const (
	ipv4MinHeaderSize = 20
	ipv6HeaderSize    = 40
)

// IpPacket is an IP datagram moving through the tunnel data path.
type IpPacket struct {
	data mem.Vector
}

// NewIpPacket wraps buf (taking a reference) in a packet.
func NewIpPacket(buf mem.Handle) *IpPacket {
	p := &IpPacket{}
	p.data.Append(buf, 0)
	return p
}

// NewIpPacketFromVector steals vec's content into a packet.
func NewIpPacketFromVector(vec *mem.Vector) *IpPacket {
	p := &IpPacket{}
	p.data.TakeFrom(vec)
	return p
}

// Data returns the packet's underlying vector.
func (p *IpPacket) Data() *mem.Vector { return &p.data }

// PacketSize returns the datagram size in bytes.
func (p *IpPacket) PacketSize() int { return p.data.DataSize() }

// Release drops all buffer references held by the packet.
func (p *IpPacket) Release() { p.data.Clear() }

// Version returns the IP version (4 or 6), or 0 for garbage.
func (p *IpPacket) Version() int {
	hdr := p.header(1)
	if hdr == nil {
		return 0
	}
	switch hdr[0] >> 4 {
	case 4:
		return 4
	case 6:
		return 6
	}
	return 0
}

// IsValid checks version and length consistency.
func (p *IpPacket) IsValid() bool {
	switch p.Version() {
	case 4:
		hdr := p.header(ipv4MinHeaderSize)
		if hdr == nil {
			return false
		}
		ihl := int(hdr[0]&0x0F) * 4
		totalLen := int(binary.BigEndian.Uint16(hdr[2:4]))
		return ihl >= ipv4MinHeaderSize && totalLen >= ihl && totalLen <= p.data.DataSize()
	case 6:
		hdr := p.header(ipv6HeaderSize)
		if hdr == nil {
			return false
		}
		payloadLen := int(binary.BigEndian.Uint16(hdr[4:6]))
		return ipv6HeaderSize+payloadLen <= p.data.DataSize()
	}
	return false
}

// header returns the first size bytes contiguously, rewriting chunks if the
// prefix was fragmented.
func (p *IpPacket) header(size int) []byte {
	if p.data.DataSize() < size {
		return nil
	}
	return p.data.ContinuousWritable(size, nil)
}

// HeaderChecksum recomputes the IPv4 header checksum field over the given
// header bytes (with the checksum field zeroed by the caller).
func HeaderChecksum(header []byte) uint16 {
	return ChecksumBytes(header)
}
