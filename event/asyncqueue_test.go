// File: event/asyncqueue_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package event

import (
	"sync"
	"testing"

	"github.com/momentics/hioload-net/api"
)

type testReceiver struct {
	name string
}

type recordingTask struct {
	receiver *testReceiver
	tag      string
	ran      *[]string
}

func (t *recordingTask) Receiver() any {
	if t.receiver == nil {
		return nil
	}
	return t.receiver
}

func (t *recordingTask) Run() {
	*t.ran = append(*t.ran, t.tag)
}

// newTestQueue builds a queue on a loop that is not running; the test
// drives the consumer side by hand.
func newTestQueue(t *testing.T) (*AsyncQueue, *Loop) {
	t.Helper()
	loop, err := NewLoop()
	if err != nil {
		t.Fatalf("loop init: %v", err)
	}
	q := newAsyncQueue(loop)
	if q.IsBroken() {
		t.Fatal("fresh queue is broken")
	}
	t.Cleanup(func() {
		q.Close()
		loop.Shutdown(true)
	})
	return q, loop
}

func (q *AsyncQueue) drainForTest() {
	q.ReceiveFdEvent(q.socks.SockA(), api.EventRead)
}

func TestAsyncQueueReceiverValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	recv := &testReceiver{name: "R"}
	q.RegisterReceiver(recv)

	var ran []string

	// Producer side runs on its own goroutine (thread B).
	submit := func(tag string) {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := q.RunTask(&recordingTask{receiver: recv, tag: tag, ran: &ran}, DeleteOnError)
			if code != api.Success {
				t.Errorf("RunTask(%s) = %s", tag, code)
			}
		}()
		wg.Wait()
	}

	submit("A1")
	submit("A2")
	q.drainForTest()

	// The receiver dies between A2 and A3.
	q.UnregisterReceiver(recv)

	submit("A3")
	q.drainForTest()

	if len(ran) != 2 || ran[0] != "A1" || ran[1] != "A2" {
		t.Fatalf("ran = %v, want [A1 A2]", ran)
	}
	if q.IsBroken() {
		t.Fatal("dropping a task for a dead receiver must not break the queue")
	}
}

func TestAsyncQueueNilReceiverAlwaysRuns(t *testing.T) {
	q, _ := newTestQueue(t)

	var ran []string
	if code := q.RunTask(&recordingTask{tag: "anon", ran: &ran}, DeleteOnError); code != api.Success {
		t.Fatalf("RunTask = %s", code)
	}
	q.drainForTest()

	if len(ran) != 1 || ran[0] != "anon" {
		t.Fatalf("ran = %v, want [anon]", ran)
	}
}

func TestAsyncQueueFifoOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	recv := &testReceiver{}
	q.RegisterReceiver(recv)

	var ran []string
	for _, tag := range []string{"1", "2", "3", "4", "5"} {
		if code := q.RunTask(&recordingTask{receiver: recv, tag: tag, ran: &ran}, DeleteOnError); code != api.Success {
			t.Fatalf("RunTask(%s) = %s", tag, code)
		}
	}
	q.drainForTest()

	if len(ran) != 5 {
		t.Fatalf("ran %d tasks, want 5", len(ran))
	}
	for i, tag := range []string{"1", "2", "3", "4", "5"} {
		if ran[i] != tag {
			t.Fatalf("order broken: ran = %v", ran)
		}
	}
}

func TestAsyncQueueParameterValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	if code := q.RunTask(nil, DeleteOnError); code != api.InvalidParameter {
		t.Fatalf("nil task: %s, want InvalidParameter", code)
	}

	var ran []string
	if code := q.RunTask(&recordingTask{ran: &ran}, DeletePolicy(42)); code != api.InvalidParameter {
		t.Fatalf("bad policy: %s, want InvalidParameter", code)
	}
}

func TestAsyncQueueClosedAfterClose(t *testing.T) {
	q, _ := newTestQueue(t)

	q.Close()

	var ran []string
	if code := q.RunTask(&recordingTask{ran: &ran}, DeleteOnError); code != api.Closed {
		t.Fatalf("post-close submit: %s, want Closed", code)
	}
}

func TestBlockingRunTaskTimeout(t *testing.T) {
	q, _ := newTestQueue(t)

	// Fill the socket buffer until the producer would block.
	var ran []string
	filler := &recordingTask{ran: &ran}
	for {
		code := q.RunTask(filler, DontDeleteOnError)
		if code == api.SoftFail {
			break
		}
		if code != api.Success {
			t.Fatalf("unexpected code while filling: %s", code)
		}
	}

	code := q.BlockingRunTask(&recordingTask{ran: &ran}, 150, DontDeleteOnError)
	if code != api.Timeout {
		t.Fatalf("BlockingRunTask on a full queue = %s, want Timeout", code)
	}
}
