// File: event/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-thread event loop: FD readiness dispatch, timer expiry and end-of-loop
// tasks all run serialized on the owning thread. A loop created while no
// primary loop is live becomes the primary one and owns signal handling.

package event

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/logging"
	"github.com/momentics/hioload-net/sys"
)

var (
	loopRegMu   sync.Mutex
	livePrimary *Loop
)

type fdInfo struct {
	handler api.FdEventHandler
	events  int
}

type loopEndEntry struct {
	handler api.LoopEndHandler
	gen     uint8
}

// Loop is a single-threaded event loop. All methods except Stop must be
// called from the loop's thread; worker threads reach a loop only through
// an AsyncQueue.
type Loop struct {
	log     zerolog.Logger
	backend backend

	clock *sys.CurrentTime
	wheel *Wheel

	fds []fdInfo

	eolQueue *queue.Queue
	eolGen   uint8

	signalSubs    []api.SignalHandler
	shutdownSubs  []api.ShutdownHandler
	childHandlers map[int]api.ChildEventHandler

	working atomic.Bool
	primary bool
	sig     *signalState

	// wakeR/wakeW interrupt the readiness poll from other threads (Stop,
	// signal forwarding).
	wakeR, wakeW int
}

// NewLoop creates an event loop. If no primary loop is live (none created
// yet, or the last one was shut down), this loop becomes the primary one and
// will install signal handling when Run starts.
func NewLoop() (*Loop, error) {
	be, err := newBackend()
	if err != nil {
		return nil, err
	}

	clock := sys.NewCurrentTime()

	l := &Loop{
		log:           logging.Component("event"),
		backend:       be,
		clock:         clock,
		wheel:         NewWheel(clock),
		eolQueue:      queue.New(),
		childHandlers: make(map[int]api.ChildEventHandler),
		wakeR:         -1,
		wakeW:         -1,
	}

	var fds [2]int
	if err := unixPipe(fds[:]); err == nil {
		l.wakeR, l.wakeW = fds[0], fds[1]
		_ = unixSetNonblock(l.wakeR)
		_ = unixSetNonblock(l.wakeW)

		info := l.ensureFd(l.wakeR)
		l.backend.setEvents(l.wakeR, 0, api.EventRead)
		info.events = api.EventRead
	}

	loopRegMu.Lock()
	if livePrimary == nil {
		livePrimary = l
		l.primary = true
	}
	loopRegMu.Unlock()

	return l, nil
}

// Scheduler returns the loop's timer wheel.
func (l *Loop) Scheduler() *Wheel { return l.wheel }

// Clock returns the loop's cached monotonic clock.
func (l *Loop) Clock() *sys.CurrentTime { return l.clock }

// NewTimer creates an unscheduled timer on this loop's wheel.
func (l *Loop) NewTimer(receiver TimerReceiver) *Timer {
	return NewTimer(l.wheel, receiver)
}

// IsPrimary reports whether this is the process's signal-owning loop.
func (l *Loop) IsPrimary() bool { return l.primary }

// CurrentTime returns the loop's cached monotonic time, optionally
// refreshing it.
func (l *Loop) CurrentTime(refresh bool) sys.Time {
	if refresh {
		l.clock.Update()
	}
	return l.clock.Now()
}

func (l *Loop) ensureFd(fd int) *fdInfo {
	for fd >= len(l.fds) {
		l.fds = append(l.fds, fdInfo{})
	}
	return &l.fds[fd]
}

// initFd puts the descriptor in non-blocking close-on-exec mode, so the loop
// never blocks inside a callback and fork/exec drops loop-owned FDs.
func initFd(fd int) {
	_ = unixSetNonblock(fd)
	_ = unixCloseOnExec(fd)
}

// SetFdHandler registers handler for fd and arms the given events.
func (l *Loop) SetFdHandler(fd int, handler api.FdEventHandler, events int) {
	if fd < 0 || handler == nil {
		return
	}

	info := l.ensureFd(fd)
	info.handler = handler
	initFd(fd)

	if events != 0 {
		l.SetFdEvents(fd, events)
	}
}

// SetFdEvents changes the watched event mask of a registered fd.
func (l *Loop) SetFdEvents(fd, events int) {
	if fd < 0 || fd >= len(l.fds) || l.fds[fd].handler == nil {
		return
	}
	info := &l.fds[fd]
	if info.events == events {
		return
	}
	l.backend.setEvents(fd, info.events, events)
	info.events = events
}

// EnableReadEvents adds read interest for fd.
func (l *Loop) EnableReadEvents(fd int) {
	if fd >= 0 && fd < len(l.fds) {
		l.SetFdEvents(fd, l.fds[fd].events|api.EventRead)
	}
}

// DisableReadEvents removes read interest for fd.
func (l *Loop) DisableReadEvents(fd int) {
	if fd >= 0 && fd < len(l.fds) {
		l.SetFdEvents(fd, l.fds[fd].events&^api.EventRead)
	}
}

// EnableWriteEvents adds write interest for fd.
func (l *Loop) EnableWriteEvents(fd int) {
	if fd >= 0 && fd < len(l.fds) {
		l.SetFdEvents(fd, l.fds[fd].events|api.EventWrite)
	}
}

// DisableWriteEvents removes write interest for fd.
func (l *Loop) DisableWriteEvents(fd int) {
	if fd >= 0 && fd < len(l.fds) {
		l.SetFdEvents(fd, l.fds[fd].events&^api.EventWrite)
	}
}

// RemoveFdHandler disarms and forgets fd without closing it.
func (l *Loop) RemoveFdHandler(fd int) {
	if fd < 0 || fd >= len(l.fds) {
		return
	}
	info := &l.fds[fd]
	l.backend.removeFd(fd, info.events)
	info.handler = nil
	info.events = 0
}

// CloseFd disarms, forgets and closes fd.
func (l *Loop) CloseFd(fd int) {
	if fd < 0 {
		return
	}
	l.RemoveFdHandler(fd)
	_ = unixClose(fd)
}

// EndOfLoop schedules handler to run once at the tail of the current
// iteration. Subscribing from inside an end-of-loop callback lands the
// handler in the next iteration's batch.
func (l *Loop) EndOfLoop(handler api.LoopEndHandler) {
	if handler != nil {
		l.eolQueue.Add(loopEndEntry{handler: handler, gen: l.eolGen})
	}
}

// SubscribeSignals adds a HUP/USR1/USR2 subscriber (primary loop only).
func (l *Loop) SubscribeSignals(h api.SignalHandler) {
	if h != nil {
		l.signalSubs = append(l.signalSubs, h)
	}
}

// UnsubscribeSignals removes a signal subscriber.
func (l *Loop) UnsubscribeSignals(h api.SignalHandler) {
	for i, s := range l.signalSubs {
		if s == h {
			l.signalSubs = append(l.signalSubs[:i], l.signalSubs[i+1:]...)
			return
		}
	}
}

// SubscribeShutdown adds a shutdown subscriber.
func (l *Loop) SubscribeShutdown(h api.ShutdownHandler) {
	if h != nil {
		l.shutdownSubs = append(l.shutdownSubs, h)
	}
}

// UnsubscribeShutdown removes a shutdown subscriber.
func (l *Loop) UnsubscribeShutdown(h api.ShutdownHandler) {
	for i, s := range l.shutdownSubs {
		if s == h {
			l.shutdownSubs = append(l.shutdownSubs[:i], l.shutdownSubs[i+1:]...)
			return
		}
	}
}

// SetChildHandler registers a reaped-child handler for pid (primary only).
func (l *Loop) SetChildHandler(pid int, h api.ChildEventHandler) {
	if pid > 0 && h != nil {
		l.childHandlers[pid] = h
	}
}

// RemoveChildHandler forgets the handler for pid.
func (l *Loop) RemoveChildHandler(pid int) {
	delete(l.childHandlers, pid)
}

// safeTimeout computes the poll timeout for this iteration.
func (l *Loop) safeTimeout() int {
	if l.eolQueue.Length() > 0 {
		return 0
	}

	timeout := l.wheel.NextTimeout()

	// Without a wakeup descriptor pending signals are only noticed when
	// poll returns, so the wait is capped to service them promptly.
	if l.sig != nil && l.wakeR < 0 {
		const sigPollCapMs = 10
		if timeout < 0 || timeout > sigPollCapMs {
			return sigPollCapMs
		}
	}
	return timeout
}

// Run executes the loop until Stop. It pins the loop to its OS thread; every
// callback runs on that thread.
func (l *Loop) Run() {
	if l.working.Load() {
		return
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if l.primary {
		l.sig = initSignals(l)
	}

	l.working.Store(true)

	ready := make([]readyEvent, maxPollEvents)

	for l.working.Load() {
		count, err := l.backend.poll(l.safeTimeout(), ready)

		// Refresh time first so callbacks observe a fresh "now"; timers
		// run at the end and refresh it again.
		l.clock.Update()

		if l.sig != nil {
			l.sig.process()
			if !l.working.Load() {
				break
			}
		}

		if err != nil {
			l.log.Error().Err(err).Msg("readiness poll failed")
		}

		for i := 0; i < count; i++ {
			l.dispatchFd(&ready[i])
		}

		l.wheel.RunTimers()
		l.runEndOfLoop()
	}

	l.working.Store(false)
}

func (l *Loop) dispatchFd(ev *readyEvent) {
	fd := ev.fd
	if fd < 0 || fd >= len(l.fds) {
		return
	}

	if fd == l.wakeR {
		l.drainWake()
		return
	}

	info := &l.fds[fd]
	if info.handler == nil {
		// A callback earlier in this batch removed the handler.
		l.RemoveFdHandler(fd)
		return
	}

	events := ev.events
	if ev.hangup {
		// Errors and hangups surface as the event the handler watches:
		// write when it is write-only, read otherwise. All events are
		// disarmed before dispatch so a dead fd cannot spin the loop.
		if info.events&api.EventWrite != 0 && info.events&api.EventRead == 0 {
			events = api.EventWrite
		} else {
			events = api.EventRead
		}
		l.SetFdEvents(fd, 0)
	}

	info.handler.ReceiveFdEvent(fd, events)
}

// runEndOfLoop drains the batch subscribed during this iteration. Handlers
// added by the callbacks themselves stay queued for the next iteration.
func (l *Loop) runEndOfLoop() {
	count := l.eolQueue.Length()
	if count == 0 {
		return
	}
	l.eolGen++

	for i := 0; i < count; i++ {
		entry := l.eolQueue.Remove().(loopEndEntry)
		entry.handler.ReceiveLoopEndEvent()
	}
}

// Stop requests a graceful stop: the current iteration finishes first.
// Safe to call from signal context or another thread.
func (l *Loop) Stop() {
	l.working.Store(false)
	l.wakeup()
}

// wakeup interrupts a blocked readiness poll. Safe from any thread.
func (l *Loop) wakeup() {
	if l.wakeW >= 0 {
		var one [1]byte
		_, _ = unixWrite(l.wakeW, one[:])
	}
}

func (l *Loop) drainWake() {
	var buf [16]byte
	for {
		n, err := unixRead(l.wakeR, buf[:])
		if n < len(buf) || err != nil {
			return
		}
	}
}

// Shutdown notifies shutdown subscribers and releases the loop's resources.
// A running loop refuses to shut down unless force is set.
func (l *Loop) Shutdown(force bool) api.Code {
	if l.working.Load() && !force {
		return api.InvalidParameter
	}
	l.working.Store(false)

	// Snapshot: subscribers may unsubscribe from inside the callback.
	subs := make([]api.ShutdownHandler, len(l.shutdownSubs))
	copy(subs, l.shutdownSubs)
	for _, s := range subs {
		s.ReceiveShutdownEvent()
	}

	l.wheel.RemoveAllTimers()

	if l.sig != nil {
		l.sig.shutdown()
		l.sig = nil
	}
	l.backend.close()

	if l.wakeR >= 0 {
		_ = unixClose(l.wakeR)
		_ = unixClose(l.wakeW)
		l.wakeR, l.wakeW = -1, -1
	}

	loopRegMu.Lock()
	if livePrimary == l {
		livePrimary = nil
	}
	loopRegMu.Unlock()

	return api.Success
}
