// File: tun/prefix_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tun

import (
	"bytes"
	"testing"

	"github.com/momentics/hioload-net/mem"
)

func TestAfPrefixExactBytes(t *testing.T) {
	// AF_INET (2): big-endian zero-padded, family in the last byte.
	p := encodeAfPrefix(2)
	if !bytes.Equal(p[:], []byte{0, 0, 0, 2}) {
		t.Fatalf("AF_INET prefix = % x, want 00 00 00 02", p)
	}

	// Darwin AF_INET6 (30).
	p = encodeAfPrefix(30)
	if !bytes.Equal(p[:], []byte{0, 0, 0, 0x1e}) {
		t.Fatalf("AF_INET6 prefix = % x, want 00 00 00 1e", p)
	}

	if decodeAfPrefix(p[:]) != 30 {
		t.Fatal("decode does not invert encode")
	}
}

func TestStripAfPrefix(t *testing.T) {
	h := mem.NewHandle(8)
	copy(h.Writable(), []byte{0, 0, 0, 2, 0x45, 1, 2, 3})

	if !stripAfPrefix(&h) {
		t.Fatal("strip failed on a full frame")
	}
	if h.Size() != 4 || h.Bytes()[0] != 0x45 {
		t.Fatal("strip removed the wrong bytes")
	}
	h.Release()

	short := mem.NewHandle(2)
	if stripAfPrefix(&short) {
		t.Fatal("strip must fail on a truncated frame")
	}
	short.Release()
}

func TestPrependAfPrefixSelectsFamily(t *testing.T) {
	pkt := buildIPv4Packet(t, 40)
	defer pkt.Release()

	var vec mem.Vector
	vec.AppendVector(pkt.Data(), 0)

	if !prependAfPrefix(pkt, &vec, 2, 30) {
		t.Fatal("prepend failed")
	}
	if vec.DataSize() != pkt.PacketSize()+afPrefixSize {
		t.Fatal("prefix size not accounted")
	}

	head := vec.ContinuousWritable(afPrefixSize, nil)
	if !bytes.Equal(head, []byte{0, 0, 0, 2}) {
		t.Fatalf("v4 packet got prefix % x", head)
	}
	vec.Clear()
}
