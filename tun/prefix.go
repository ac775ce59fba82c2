// File: tun/prefix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Address-family prefix handling for tun variants that frame every packet
// with a 4-byte big-endian integer carrying the address family in the last
// byte (macOS utun, BSD tun with TUNSIFHEAD).

package tun

import (
	"encoding/binary"

	"github.com/momentics/hioload-net/mem"
)

// afPrefixSize is the frame prefix length on prefixing platforms.
const afPrefixSize = 4

// encodeAfPrefix builds the 4-byte prefix for the given address family.
func encodeAfPrefix(family uint32) [afPrefixSize]byte {
	var p [afPrefixSize]byte
	binary.BigEndian.PutUint32(p[:], family)
	return p
}

// decodeAfPrefix reads the address family out of a frame prefix.
func decodeAfPrefix(p []byte) uint32 {
	if len(p) < afPrefixSize {
		return 0
	}
	return binary.BigEndian.Uint32(p[:afPrefixSize])
}

// stripAfPrefix drops the prefix from a freshly read frame. Returns false
// when the frame is too short to carry one.
func stripAfPrefix(buf *mem.Handle) bool {
	if buf.Size() < afPrefixSize {
		return false
	}
	buf.Consume(afPrefixSize)
	return true
}

// prependAfPrefix puts the prefix for pkt's version in front of vec.
func prependAfPrefix(pkt *IpPacket, vec *mem.Vector, inet, inet6 uint32) bool {
	family := inet
	if pkt.Version() == 6 {
		family = inet6
	}

	p := encodeAfPrefix(family)
	prefix := mem.NewHandle(afPrefixSize)
	copy(prefix.Writable(), p[:])

	ok := vec.Prepend(prefix)
	prefix.Release()
	return ok
}
