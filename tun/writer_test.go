// File: tun/writer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tun

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/event"
	"github.com/momentics/hioload-net/mem"
)

func vectorOf(t *testing.T, size int, fill byte) *mem.Vector {
	t.Helper()
	h := mem.NewHandle(size)
	w := h.Writable()
	for i := range w {
		w[i] = fill
	}
	v := &mem.Vector{}
	v.Append(h, 0)
	h.Release()
	return v
}

func newWriterPair(t *testing.T) (*PacketWriter, int, *event.Loop) {
	t.Helper()

	loop, err := event.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { loop.Shutdown(true) })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	_ = unix.SetNonblock(fds[0], true)

	// A small send buffer makes back-pressure quick to reach.
	_ = unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)

	w := NewPacketWriter(loop, 0, 4)
	w.SetupFd(fds[0])
	t.Cleanup(w.Shutdown)

	return w, fds[1], loop
}

func TestWriterImmediateWrite(t *testing.T) {
	w, peer, _ := newWriterPair(t)

	vec := vectorOf(t, 100, 0x5A)
	if code := w.Write(vec); !code.IsOK() {
		t.Fatalf("Write: %s", code)
	}
	if !vec.IsEmpty() {
		t.Fatal("writer must steal the vector's content")
	}

	buf := make([]byte, 1024)
	n, err := unix.Read(peer, buf)
	if err != nil || n != 100 || buf[0] != 0x5A {
		t.Fatalf("peer read n=%d err=%v", n, err)
	}
}

func TestWriterBackPressureSoftFail(t *testing.T) {
	w, peer, _ := newWriterPair(t)

	// Push until the socket refuses and the bounded queue fills.
	sawSoftFail := false
	for i := 0; i < 1024; i++ {
		vec := vectorOf(t, 4096, byte(i))
		code := w.Write(vec)
		if code == api.SoftFail {
			sawSoftFail = true
			vec.Clear()
			break
		}
		if !code.IsOK() {
			t.Fatalf("Write %d: %s", i, code)
		}
	}
	if !sawSoftFail {
		t.Fatal("bounded queue never pushed back")
	}
	if w.QueueLength() > 4 {
		t.Fatalf("queue length %d exceeds its bound", w.QueueLength())
	}

	// Draining the peer and signalling writability empties the queue.
	buf := make([]byte, 4096)
	for i := 0; i < 1024 && w.QueueLength() > 0; i++ {
		_, _ = unix.Read(peer, buf)
		w.OnWritable()
	}
	if w.QueueLength() != 0 {
		t.Fatalf("queue did not drain, %d left", w.QueueLength())
	}
}

func TestWriterWithoutFd(t *testing.T) {
	loop, err := event.NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Shutdown(true)

	w := NewPacketWriter(loop, 0, 4)
	defer w.Shutdown()

	vec := vectorOf(t, 10, 1)
	defer vec.Clear()

	if code := w.Write(vec); code != api.NotInitialized {
		t.Fatalf("Write without fd: %s, want NotInitialized", code)
	}
}
