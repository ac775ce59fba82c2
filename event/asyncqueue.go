// File: event/asyncqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-thread task queue. Producer threads push tasks through a
// non-blocking socket pair onto the event-loop thread; the consumer side
// validates the task's receiver against the registered set before running
// it, so tasks aimed at dead objects are dropped silently.
//
// Tasks travel as 8-byte ids resolved against a pending-task table — Go
// pointers must not round-trip through byte buffers.

package event

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/logging"
)

// taskIDSize is the wire size of one task submission.
const taskIDSize = 8

// blockingRunTaskIntervalMs bounds one writability wait in BlockingRunTask.
const blockingRunTaskIntervalMs = 100

// Task is a unit of work handed to the loop thread. Run executes on the
// consumer thread; Receiver names the target object checked against the
// registered set at dispatch time (nil skips the check).
type Task interface {
	Receiver() any
	Run()
}

// DeletePolicy says what happens to a task that could not be scheduled.
type DeletePolicy int

const (
	// DeleteOnError drops the task when submission fails.
	DeleteOnError DeletePolicy = iota + 1
	// DontDeleteOnError leaves the failed task with the caller.
	DontDeleteOnError
)

// AsyncQueue is the cross-thread handoff channel. The consumer thread is
// the loop the queue was created on; any thread may produce.
type AsyncQueue struct {
	loop *Loop

	mu        sync.Mutex
	socks     *SocketPair
	broken    bool
	receivers map[any]struct{}
	pending   map[uint64]Task
	nextID    uint64

	readBuf [taskIDSize]byte
	offset  int
}

var (
	queueOnce   sync.Once
	globalQueue *AsyncQueue
)

// InitAsyncQueue creates the process-wide queue consumed by loop. The first
// call wins; later calls return the existing queue.
func InitAsyncQueue(loop *Loop) *AsyncQueue {
	queueOnce.Do(func() {
		globalQueue = newAsyncQueue(loop)
	})
	return globalQueue
}

// GetAsyncQueue returns the process-wide queue, or nil before
// InitAsyncQueue.
func GetAsyncQueue() *AsyncQueue { return globalQueue }

func newAsyncQueue(loop *Loop) *AsyncQueue {
	q := &AsyncQueue{
		loop:      loop,
		socks:     NewSocketPair(),
		receivers: make(map[any]struct{}),
		pending:   make(map[uint64]Task),
	}

	if code := q.socks.Init(); code != api.Success {
		asyncLog.Error().Str("code", code.String()).Msg("socket pair init failed")
		q.broken = true
		return q
	}

	loop.SetFdHandler(q.socks.SockA(), q, api.EventRead)

	// Producers use a non-blocking socket so EAGAIN becomes a soft fail.
	_ = unix.SetNonblock(q.socks.SockB(), true)
	return q
}

var asyncLog = logging.Component("event.asyncqueue")

// RegisterReceiver adds receiver to the set tasks are validated against.
// Main-thread only.
func (q *AsyncQueue) RegisterReceiver(receiver any) {
	if receiver == nil {
		return
	}
	q.mu.Lock()
	q.receivers[receiver] = struct{}{}
	q.mu.Unlock()
}

// UnregisterReceiver removes receiver; tasks already queued for it will be
// dropped at dispatch time. Main-thread only.
func (q *AsyncQueue) UnregisterReceiver(receiver any) {
	q.mu.Lock()
	delete(q.receivers, receiver)
	q.mu.Unlock()
}

// RunTask submits a task from any thread. Tasks run on the consumer thread
// in socket-write completion order. EAGAIN maps to SoftFail; a partial
// write or hard error marks the queue broken and everything after that
// fails with Closed.
func (q *AsyncQueue) RunTask(task Task, policy DeletePolicy) api.Code {
	if task == nil {
		return api.InvalidParameter
	}
	if policy != DeleteOnError && policy != DontDeleteOnError {
		return api.InvalidParameter
	}

	q.mu.Lock()

	if q.broken {
		q.mu.Unlock()
		return api.Closed
	}

	fd := q.socks.SockB()
	if fd < 0 {
		q.mu.Unlock()
		return api.NotInitialized
	}

	q.nextID++
	id := q.nextID
	q.pending[id] = task

	var buf [taskIDSize]byte
	binary.LittleEndian.PutUint64(buf[:], id)

	n, err := unix.Write(fd, buf[:])

	if err == unix.EAGAIN {
		delete(q.pending, id)
		q.mu.Unlock()
		return api.SoftFail
	}

	if err == nil && n == taskIDSize {
		q.mu.Unlock()
		return api.Success
	}

	// Partial write or hard error: the byte stream is no longer aligned
	// to task ids, so the queue is permanently broken.
	delete(q.pending, id)
	q.broken = true
	q.mu.Unlock()
	return api.Closed
}

// BlockingRunTask retries RunTask until it succeeds, fails hard, or
// timeoutMs elapses (0 = no timeout). Instead of sleeping it waits for the
// producer socket to become writable.
func (q *AsyncQueue) BlockingRunTask(task Task, timeoutMs uint32, policy DeletePolicy) api.Code {
	if task == nil {
		return api.InvalidParameter
	}
	if policy != DeleteOnError && policy != DontDeleteOnError {
		return api.InvalidParameter
	}

	timeLeftMs := timeoutMs

	for {
		code := q.RunTask(task, DontDeleteOnError)
		if code.IsOK() {
			return code
		}
		if code != api.SoftFail {
			return code
		}

		var intervalMs uint32
		switch {
		case timeoutMs < 1:
			intervalMs = blockingRunTaskIntervalMs
		case timeLeftMs > 0:
			intervalMs = timeLeftMs
			if intervalMs > blockingRunTaskIntervalMs {
				intervalMs = blockingRunTaskIntervalMs
			}
			timeLeftMs -= intervalMs
		default:
			return api.Timeout
		}

		q.waitWritable(int(intervalMs))
	}
}

func (q *AsyncQueue) waitWritable(timeoutMs int) {
	q.mu.Lock()
	fd := q.socks.SockB()
	q.mu.Unlock()
	if fd < 0 {
		return
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	_, _ = unix.Poll(fds, timeoutMs)
}

// IsBroken reports whether the queue entered the sticky broken state.
func (q *AsyncQueue) IsBroken() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.broken
}

// ReceiveFdEvent reads task ids from the consumer socket and runs their
// tasks. Implements api.FdEventHandler on the loop thread.
func (q *AsyncQueue) ReceiveFdEvent(fd int, events int) {
	if events&api.EventRead == 0 {
		return
	}

	for {
		n, err := unix.Read(fd, q.readBuf[q.offset:])
		if n < 1 || err != nil {
			return
		}

		q.offset += n
		if q.offset < taskIDSize {
			continue
		}
		q.offset = 0

		id := binary.LittleEndian.Uint64(q.readBuf[:])
		q.dispatch(id)
	}
}

func (q *AsyncQueue) dispatch(id uint64) {
	q.mu.Lock()
	task, ok := q.pending[id]
	delete(q.pending, id)
	if !ok {
		q.mu.Unlock()
		return
	}

	receiver := task.Receiver()
	if receiver != nil {
		if _, registered := q.receivers[receiver]; !registered {
			// The target object died; drop the task silently.
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()

	task.Run()
}

// Close tears the queue down; further submissions fail with Closed.
func (q *AsyncQueue) Close() {
	q.mu.Lock()
	q.broken = true
	if q.socks.SockA() >= 0 {
		q.loop.RemoveFdHandler(q.socks.SockA())
	}
	q.socks.Close()
	q.pending = make(map[uint64]Task)
	q.mu.Unlock()
}
