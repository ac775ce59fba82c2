// File: event/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Timer node for the hierarchical wheel. Each slot is an intrusive
// singly-linked list; nodes carry a pointer to the previous link so removal
// is O(1) without walking the slot.

package event

// TimerReceiver is notified when a timer expires. The callback may
// reschedule, stop, or drop the timer.
type TimerReceiver interface {
	TimerExpired(t *Timer)
}

// Timer is a single schedulable node. A timer is either unscheduled
// (prevNext == nil) or linked into exactly one slot of one wheel level.
// Timers belong to the wheel's loop thread.
type Timer struct {
	receiver TimerReceiver
	wheel    *Wheel

	next       *Timer
	prevNext   **Timer
	expireTick uint32
}

// NewTimer creates an unscheduled timer owned by w.
func NewTimer(w *Wheel, receiver TimerReceiver) *Timer {
	return &Timer{receiver: receiver, wheel: w}
}

// Start schedules the timer to expire after timeoutMs of real elapsed time.
// A running timer is rescheduled.
func (t *Timer) Start(timeoutMs uint32) {
	t.wheel.StartTimer(t, timeoutMs, false)
}

// StartTimerTime schedules using timer time: the delay counts from the
// current tick, ignoring any lag the loop accumulated behind real time.
func (t *Timer) StartTimerTime(timeoutMs uint32) {
	t.wheel.StartTimer(t, timeoutMs, true)
}

// Stop unlinks the timer; a stopped timer never fires.
func (t *Timer) Stop() {
	t.listRemove()
}

// IsScheduled reports whether the timer sits in a wheel slot.
func (t *Timer) IsScheduled() bool { return t.prevNext != nil }

// ExpireTick returns the absolute tick the timer is scheduled for.
func (t *Timer) ExpireTick() uint32 { return t.expireTick }

func (t *Timer) expire() {
	if t.prevNext != nil {
		t.listRemove()
	}
	t.receiver.TimerExpired(t)
}

// listInsert links the timer at the front of the slot pointed to by head.
func (t *Timer) listInsert(head **Timer) {
	if t.prevNext != nil {
		t.listRemove()
	}

	t.prevNext = head
	t.next = *head
	*head = t

	if t.next != nil {
		t.next.prevNext = &t.next
	}

	t.wheel.numTimers++
}

// listRemove unlinks the timer by writing next into the previous link.
func (t *Timer) listRemove() bool {
	if t.prevNext == nil {
		return false
	}

	*t.prevNext = t.next
	if t.next != nil {
		t.next.prevNext = t.prevNext
		t.next = nil
	}
	t.prevNext = nil

	t.wheel.numTimers--
	return true
}

// BackoffTimer expires at exponentially longer intervals, up to a cap.
type BackoffTimer struct {
	Timer

	// BackoffMultiplier scales the interval on every start; at least 1.0.
	BackoffMultiplier float64
	// StartingInterval is the delay (ms) of the first start after a reset.
	StartingInterval uint32
	// MaxInterval caps interval growth (ms); at least StartingInterval.
	MaxInterval uint32
	// UseTimerTime selects timer-time scheduling (see Timer).
	UseTimerTime bool

	nextInterval uint32
}

// NewBackoffTimer creates a stopped backoff timer.
func NewBackoffTimer(
	w *Wheel, receiver TimerReceiver,
	startingInterval uint32, backoffMultiplier float64, maxInterval uint32,
	useTimerTime bool,
) *BackoffTimer {
	if backoffMultiplier < 1.0 {
		backoffMultiplier = 1.0
	}
	if maxInterval < startingInterval {
		maxInterval = startingInterval
	}
	return &BackoffTimer{
		Timer:             Timer{receiver: receiver, wheel: w},
		BackoffMultiplier: backoffMultiplier,
		StartingInterval:  startingInterval,
		MaxInterval:       maxInterval,
		UseTimerTime:      useTimerTime,
		nextInterval:      startingInterval,
	}
}

// Start schedules the next interval and returns the delay used (ms).
// A running timer is restarted.
func (t *BackoffTimer) Start() uint32 {
	curInterval := t.nextInterval

	next := uint32(float64(curInterval) * t.BackoffMultiplier)
	if next > t.MaxInterval {
		next = t.MaxInterval
	}
	t.nextInterval = next

	t.wheel.StartTimer(&t.Timer, curInterval, t.UseTimerTime)
	return curInterval
}

// Stop stops the timer and resets the interval to the starting value.
func (t *BackoffTimer) Stop() {
	t.nextInterval = t.StartingInterval
	t.Timer.Stop()
}
