// File: event/signals.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Signal handling for the primary loop. The Go runtime owns signal
// delivery, so instead of signalfd the loop subscribes through os/signal
// and wakes its readiness poll with a pipe. SIGINT/SIGTERM stop the loop,
// SIGHUP/SIGUSR1/SIGUSR2 go to subscribers, SIGCHLD triggers child reaping.

package event

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

// Signal numbers delivered to api.SignalHandler subscribers.
var (
	SignalHUP  = int(syscall.SIGHUP)
	SignalUsr1 = int(syscall.SIGUSR1)
	SignalUsr2 = int(syscall.SIGUSR2)
)

type signalState struct {
	loop *Loop
	ch   chan os.Signal

	mu      sync.Mutex
	pending []os.Signal

	done chan struct{}
}

// initSignals installs the primary loop's signal surface. Delivery wakes
// the loop through its wakeup pipe.
func initSignals(l *Loop) *signalState {
	s := &signalState{
		loop: l,
		ch:   make(chan os.Signal, 64),
		done: make(chan struct{}),
	}

	signal.Notify(s.ch,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD,
		syscall.SIGPIPE, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	go s.forward()
	return s
}

// forward moves signals from the runtime's channel into the pending list
// and pokes the loop so they are serviced promptly.
func (s *signalState) forward() {
	for {
		select {
		case sig := <-s.ch:
			s.mu.Lock()
			s.pending = append(s.pending, sig)
			s.mu.Unlock()

			s.loop.wakeup()
		case <-s.done:
			return
		}
	}
}

// process dispatches pending signals on the loop thread.
func (s *signalState) process() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	gotSigChld := false

	for _, sig := range pending {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			s.loop.log.Info().Str("signal", sig.String()).Msg("stop signal received; exiting event loop")
			s.loop.Stop()
		case syscall.SIGCHLD:
			gotSigChld = true
		case syscall.SIGPIPE:
			// Ignored; write errors surface through the I/O paths.
		case syscall.SIGHUP:
			s.loop.notifySignalHandlers(SignalHUP)
		case syscall.SIGUSR1:
			s.loop.notifySignalHandlers(SignalUsr1)
		case syscall.SIGUSR2:
			s.loop.notifySignalHandlers(SignalUsr2)
		}
	}

	if gotSigChld {
		s.loop.runChildWait()
	}
}

func (s *signalState) shutdown() {
	signal.Stop(s.ch)
	close(s.done)
}

func (l *Loop) notifySignalHandlers(sig int) {
	// Snapshot: subscribers may unsubscribe from inside the callback.
	subs := make([]api.SignalHandler, len(l.signalSubs))
	copy(subs, l.signalSubs)
	for _, h := range subs {
		h.ReceiveSignalEvent(sig)
	}
}

// runChildWait reaps terminated children and dispatches their status.
// Handlers stay registered across stop/continue notifications.
func (l *Loop) runChildWait() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}

		childStatus := api.ChildExited
		statusValue := 0

		switch {
		case status.Exited():
			childStatus = api.ChildExited
			statusValue = status.ExitStatus()
		case status.Signaled():
			childStatus = api.ChildSignal
			statusValue = int(status.Signal())
		case status.Stopped():
			childStatus = api.ChildStopped
			statusValue = int(status.StopSignal())
		case status.Continued():
			childStatus = api.ChildContinued
		}

		if handler, ok := l.childHandlers[pid]; ok {
			if childStatus != api.ChildStopped && childStatus != api.ChildContinued {
				delete(l.childHandlers, pid)
			}
			handler.ReceiveChildEvent(pid, childStatus, statusValue)
		}
	}
}
