// File: tun/writer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Packet writer: a bounded per-device write queue drained with vectored
// writes. In the default mode the queue drains on the event-loop thread and
// EAGAIN re-arms write interest; in threaded mode completed vectors are
// handed to a worker goroutine that owns its own back-pressure handling.

package tun

import (
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/event"
	"github.com/momentics/hioload-net/internal/logging"
	"github.com/momentics/hioload-net/mem"
)

// PacketWriter flags.
const (
	// WriterFlagThreaded dispatches writes on a dedicated worker thread.
	WriterFlagThreaded = 1 << 0
)

var writerLog = logging.Component("tun.writer")

// PacketWriter batches outgoing vectors behind one descriptor.
type PacketWriter struct {
	loop      *event.Loop
	flags     int
	queueSize int

	mu sync.Mutex
	fd int

	// Loop-thread state (synchronous mode).
	pending *queue.Queue

	// Worker state (threaded mode).
	ch   chan *mem.Vector
	done chan struct{}
}

// NewPacketWriter creates a writer with the given queue depth.
func NewPacketWriter(loop *event.Loop, flags, queueSize int) *PacketWriter {
	w := &PacketWriter{
		loop:      loop,
		flags:     flags,
		queueSize: queueSize,
		fd:        -1,
		pending:   queue.New(),
	}
	if flags&WriterFlagThreaded != 0 {
		w.ch = make(chan *mem.Vector, queueSize)
		w.done = make(chan struct{})
		go w.workerLoop()
	}
	return w
}

// SetupFd attaches the writer to a descriptor.
func (w *PacketWriter) SetupFd(fd int) {
	w.mu.Lock()
	w.fd = fd
	w.mu.Unlock()
}

// ClearFd detaches the writer; queued vectors are dropped.
func (w *PacketWriter) ClearFd() {
	w.mu.Lock()
	w.fd = -1
	w.mu.Unlock()

	for w.pending.Length() > 0 {
		vec := w.pending.Remove().(*mem.Vector)
		vec.Clear()
	}
}

// Shutdown stops the worker (threaded mode) and drops queued vectors.
func (w *PacketWriter) Shutdown() {
	w.ClearFd()
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
}

// Write queues vec's content for transmission, stealing it. A full queue is
// a soft failure: the writer re-arms and the caller retries later.
func (w *PacketWriter) Write(vec *mem.Vector) api.Code {
	w.mu.Lock()
	fd := w.fd
	w.mu.Unlock()

	if fd < 0 {
		return api.NotInitialized
	}
	if vec.IsEmpty() {
		return api.InvalidParameter
	}

	owned := &mem.Vector{}
	owned.TakeFrom(vec)

	if w.flags&WriterFlagThreaded != 0 {
		// Ownership of the vector (and its buffer references) moves to
		// the worker thread exclusively.
		select {
		case w.ch <- owned:
			return api.Success
		default:
			vec.TakeFrom(owned)
			return api.SoftFail
		}
	}

	if w.pending.Length() >= w.queueSize {
		vec.TakeFrom(owned)
		return api.SoftFail
	}

	w.pending.Add(owned)

	// A single queued vector can go out right away; deeper queues drain
	// from write-readiness callbacks to preserve ordering.
	if w.pending.Length() == 1 {
		w.drainQueue(fd)
	}
	return api.Success
}

// OnWritable drains the queue from the loop's write-readiness callback.
func (w *PacketWriter) OnWritable() {
	w.mu.Lock()
	fd := w.fd
	w.mu.Unlock()
	if fd >= 0 {
		w.drainQueue(fd)
	}
}

// QueueLength returns the number of queued vectors (synchronous mode).
func (w *PacketWriter) QueueLength() int { return w.pending.Length() }

// drainQueue writes queued vectors until EAGAIN or the queue empties.
// Runs on the loop thread.
func (w *PacketWriter) drainQueue(fd int) {
	for w.pending.Length() > 0 {
		vec := w.pending.Peek().(*mem.Vector)

		n, err := unix.Writev(fd, vec.IoSlices())

		if err == unix.EAGAIN {
			w.loop.EnableWriteEvents(fd)
			return
		}
		if err != nil {
			writerLog.Debug().Err(err).Int("fd", fd).Msg("vectored write failed; dropping packet")
			vec.Clear()
			w.pending.Remove()
			continue
		}

		if n < vec.DataSize() {
			// Kernel took part of the datagram; keep the remainder at
			// the queue head and wait for writability.
			vec.Consume(n)
			w.loop.EnableWriteEvents(fd)
			return
		}

		vec.Clear()
		w.pending.Remove()
	}
}

// workerLoop writes vectors handed over in threaded mode, waiting for
// writability itself instead of bouncing through the event loop.
func (w *PacketWriter) workerLoop() {
	for {
		select {
		case vec := <-w.ch:
			w.workerWrite(vec)
		case <-w.done:
			return
		}
	}
}

func (w *PacketWriter) workerWrite(vec *mem.Vector) {
	defer vec.Clear()

	for !vec.IsEmpty() {
		w.mu.Lock()
		fd := w.fd
		w.mu.Unlock()
		if fd < 0 {
			return
		}

		n, err := unix.Writev(fd, vec.IoSlices())

		if err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			_, _ = unix.Poll(pfd, 100)
			continue
		}
		if err != nil {
			writerLog.Debug().Err(err).Int("fd", fd).Msg("async write failed; dropping packet")
			return
		}
		if !vec.Consume(n) {
			return
		}
	}
}
