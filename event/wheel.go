// File: event/wheel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Hierarchical timing wheel: a 32-bit tick counter split across four
// cascading levels. The base level expires timers; higher levels re-schedule
// theirs downward whenever their cursor advances.

package event

import (
	"github.com/momentics/hioload-net/config"
	"github.com/momentics/hioload-net/sys"
)

// Timer wheel configuration.
var (
	OptTimerResolution = config.NewLimitedNumber[uint16]("os.timers.resolution",
		"The resolution of timers (in milliseconds)",
		1, 1000, 1)

	OptTimerBaseLevelBits = config.NewLimitedNumber[uint8]("os.timers.base_level_bits",
		"The number of bits of the timer tick counter represented by the first (base) level "+
			"of timer wheels. Higher values offer better performance at the cost of memory.",
		8, 30, 8)

	OptTimerReadAheadSlots = config.NewLimitedNumber[uint16]("os.timers.read_ahead_slots",
		"The number of slots ahead to check for existing timers when calculating the next "+
			"timeout value; it can be modified while the program is running",
		1, 0xFFFF, 10)
)

// updatableClock is the time source the wheel drives itself from. The event
// loop hands it a cached monotonic clock; tests drive it manually.
type updatableClock interface {
	Update()
	Now() sys.Time
}

type wheelLevel struct {
	offset uint8
	size   uint32
	mask   uint32
	index  uint32
	slots  []*Timer
}

func newWheelLevel(bitsOffset, descBits uint8) wheelLevel {
	l := wheelLevel{offset: bitsOffset}
	if descBits > 0 {
		l.size = 1 << descBits
		l.mask = ^(uint32(0xFFFFFFFF) << descBits) << bitsOffset
		l.slots = make([]*Timer, l.size)
	}
	return l
}

func (l *wheelLevel) removeAllTimers() {
	for i := uint32(0); i < l.size; i++ {
		for l.slots[i] != nil {
			l.slots[i].listRemove()
		}
	}
}

// getBits returns how many tick-counter bits the given level represents.
func getBits(level int, baseLevelBits uint8) uint8 {
	bits := baseLevelBits
	if bits < 8 {
		bits = 8
	}
	if bits > 30 {
		bits = 30
	}

	if level == 1 {
		return bits
	}

	// remBits is what levels 2-4 still need to represent on top of the
	// base level; each of them covers at most the base width.
	remBits := 32 - int(bits)
	if level > 2 {
		remBits -= int(bits)
	}
	if level > 3 {
		remBits -= int(bits)
	}

	if remBits >= int(bits) {
		return bits
	}
	if remBits <= 0 {
		return 0
	}
	return uint8(remBits)
}

// Wheel is the four-level timer scheduler. It belongs to one event loop and
// must only be touched from that loop's thread.
type Wheel struct {
	// ResolutionMs is the duration of one tick.
	ResolutionMs uint16
	// BaseLevelBits is the bit width of the base level.
	BaseLevelBits uint8

	tv1, tv2, tv3, tv4 wheelLevel

	clock           updatableClock
	nextTickTime    sys.Time
	currentTickTime sys.Time
	currentTick     uint32
	numTimers       int
}

// NewWheel builds a wheel from the configured resolution and level widths.
func NewWheel(clock updatableClock) *Wheel {
	resolution := OptTimerResolution.Value()
	baseBits := OptTimerBaseLevelBits.Value()

	w := &Wheel{
		ResolutionMs:  resolution,
		BaseLevelBits: baseBits,
		clock:         clock,
	}

	b1 := getBits(1, baseBits)
	b2 := getBits(2, baseBits)
	b3 := getBits(3, baseBits)
	b4 := getBits(4, baseBits)

	w.tv1 = newWheelLevel(0, b1)
	w.tv2 = newWheelLevel(b1, b2)
	w.tv3 = newWheelLevel(b1+b2, b3)
	w.tv4 = newWheelLevel(b1+b2+b3, b4)

	w.clock.Update()
	w.currentTickTime = w.clock.Now()
	w.nextTickTime = w.currentTickTime
	w.nextTickTime.AddMilliseconds(uint32(w.ResolutionMs))

	return w
}

// NumTimers returns the number of scheduled timers.
func (w *Wheel) NumTimers() int { return w.numTimers }

// CurrentTick returns the global tick counter.
func (w *Wheel) CurrentTick() uint32 { return w.currentTick }

// RemoveAllTimers unschedules everything.
func (w *Wheel) RemoveAllTimers() {
	w.tv1.removeAllTimers()
	w.tv2.removeAllTimers()
	w.tv3.removeAllTimers()
	w.tv4.removeAllTimers()
}

// CurrentTime returns the clock value, optionally refreshing it first.
func (w *Wheel) CurrentTime(refresh bool) sys.Time {
	if refresh {
		w.clock.Update()
	}
	return w.clock.Now()
}

// StartTimer schedules t to expire timeoutMs from now. With useTimerTime
// set the delay counts from the current tick; otherwise the skew between
// real time and tick time is added first, so the timer honours real elapsed
// time even when the loop runs late.
func (w *Wheel) StartTimer(t *Timer, timeoutMs uint32, useTimerTime bool) {
	if w.numTimers < 1 {
		// No timers at the moment; reset the wheel state so the tick
		// counter does not spin while idle.
		w.clock.Update()

		w.currentTick = 0
		w.currentTickTime = w.clock.Now()
		w.nextTickTime = w.currentTickTime
		w.nextTickTime.AddMilliseconds(uint32(w.ResolutionMs))

		w.tv1.index = 0
		w.tv2.index = 0
		w.tv3.index = 0
		w.tv4.index = 0
	}

	resolution := uint32(w.ResolutionMs)
	t.expireTick = 0

	if useTimerTime {
		// Overflow wraps; tick arithmetic stays correct across it.
		t.expireTick = w.currentTick + timeoutMs/resolution
	} else {
		// Tick time is the real time at which the current tick should
		// have been processed; under load it lags behind real time. The
		// caller wants "timeoutMs after real now", so the lag is added.
		timeDiff := w.clock.Now().DiffMilliseconds(w.currentTickTime)
		if timeDiff < 0 {
			timeDiff = 0
		}

		if uint64(timeDiff)+uint64(timeoutMs) <= 0xFFFFFFFF {
			t.expireTick = w.currentTick + (timeoutMs+uint32(timeDiff))/resolution
		} else {
			diffTicks := uint64(timeDiff) / uint64(resolution)
			timeoutTicks := uint64(timeoutMs / resolution)

			if diffTicks+timeoutTicks <= 0xFFFFFFFF {
				t.expireTick = w.currentTick + uint32(timeoutTicks) + uint32(diffTicks)
			} else {
				// Saturate at the maximum expressible tick distance.
				t.expireTick = w.currentTick + 0xFFFFFFFF
			}
		}
	}

	if t.expireTick == w.currentTick {
		// Too small a timeout; expiring immediately would confuse timer
		// processing, so it fires on the next tick instead.
		t.expireTick = w.currentTick + 1
	}

	w.scheduleTimer(t)
}

// scheduleTimer places t in the highest level whose covered bits differ
// between the expire tick and the current tick. Expire ticks that wrapped
// past the current tick land in the highest populated level.
func (w *Wheel) scheduleTimer(t *Timer) {
	if w.tv4.size > 0 {
		if t.expireTick < w.currentTick ||
			(t.expireTick&w.tv4.mask) != (w.currentTick&w.tv4.mask) {
			idx := (t.expireTick & w.tv4.mask) >> w.tv4.offset
			t.listInsert(&w.tv4.slots[idx])
			return
		}
	}

	if w.tv3.size > 0 {
		if t.expireTick < w.currentTick ||
			(t.expireTick&w.tv3.mask) != (w.currentTick&w.tv3.mask) {
			idx := (t.expireTick & w.tv3.mask) >> w.tv3.offset
			t.listInsert(&w.tv3.slots[idx])
			return
		}
	}

	if t.expireTick < w.currentTick ||
		(t.expireTick&w.tv2.mask) != (w.currentTick&w.tv2.mask) {
		idx := (t.expireTick & w.tv2.mask) >> w.tv2.offset
		t.listInsert(&w.tv2.slots[idx])
		return
	}

	idx := t.expireTick & w.tv1.mask
	t.listInsert(&w.tv1.slots[idx])
}

// RunTimers advances the wheel up to the current clock value, cascading
// higher levels down as cursors wrap, and expires every timer whose tick
// arrived. Expiry callbacks may reschedule, stop or drop timers; the slot
// head is re-read every turn.
func (w *Wheel) RunTimers() {
	if w.numTimers < 1 {
		return
	}

	w.clock.Update()
	now := w.clock.Now()

	for w.nextTickTime.BeforeEq(now) {
		w.currentTickTime = w.nextTickTime
		w.nextTickTime.AddMilliseconds(uint32(w.ResolutionMs))

		w.currentTick++
		w.tv1.index++

		if w.tv1.index == w.tv1.size {
			// End of TV1; propagate from TV2 down.
			w.tv2.index++

			if w.tv2.index == w.tv2.size {
				w.tv2.index = 0

				if w.tv3.size > 0 {
					w.tv3.index++

					if w.tv3.index == w.tv3.size {
						w.tv3.index = 0

						if w.tv4.size > 0 {
							w.tv4.index++
							if w.tv4.index == w.tv4.size {
								w.tv4.index = 0
							}

							for w.tv4.slots[w.tv4.index] != nil {
								w.scheduleTimer(w.tv4.slots[w.tv4.index])
							}
						}
					}

					for w.tv3.slots[w.tv3.index] != nil {
						w.scheduleTimer(w.tv3.slots[w.tv3.index])
					}
				}
			}

			for w.tv2.slots[w.tv2.index] != nil {
				w.scheduleTimer(w.tv2.slots[w.tv2.index])
			}

			// Reset after cascading so the expiry pass below starts at
			// slot 0; scheduleTimer places timers by tick, not by cursor.
			w.tv1.index = 0
		}

		for w.tv1.slots[w.tv1.index] != nil {
			w.tv1.slots[w.tv1.index].expire()
		}
	}
}

// NextTimeout returns the wait until the next interesting tick, in
// milliseconds. -1 means "wait indefinitely" (no timers scheduled). Only
// TV1 slots are inspected — cascading might repopulate them, so looking
// further would guess wrong.
func (w *Wheel) NextTimeout() int {
	if w.numTimers < 1 {
		return -1
	}

	nextTick := w.nextTickTime

	// The next slot that will run is index+1; taking nextTickTime already
	// accounts for it, so only readAhead-1 additional slots are scanned,
	// never past the end of TV1.
	idx := w.tv1.index + 1
	readAhead := uint32(OptTimerReadAheadSlots.Value())

	for i := uint32(1); i < readAhead && idx < w.tv1.size; i, idx = i+1, idx+1 {
		if w.tv1.slots[idx] != nil {
			break
		}
		nextTick.AddMilliseconds(uint32(w.ResolutionMs))
	}

	msDiff := nextTick.DiffMilliseconds(w.CurrentTime(true))

	if msDiff < 0 {
		return 0
	}
	if msDiff == 0 {
		// Same millisecond; if the tick is still in the future at full
		// precision, round the remainder up to one.
		if nextTick.After(w.clock.Now()) {
			return 1
		}
		return 0
	}
	return int(msDiff)
}

// timerLevel reports which wheel level holds t (1-4), or 0 when it is
// unscheduled. Used by diagnostics and tests.
func (w *Wheel) timerLevel(t *Timer) int {
	if t.prevNext == nil {
		return 0
	}
	for _, pair := range []struct {
		lvl   *wheelLevel
		which int
	}{{&w.tv1, 1}, {&w.tv2, 2}, {&w.tv3, 3}, {&w.tv4, 4}} {
		if pair.lvl.size == 0 {
			continue
		}
		idx := (t.expireTick & pair.lvl.mask) >> pair.lvl.offset
		for n := pair.lvl.slots[idx]; n != nil; n = n.next {
			if n == t {
				return pair.which
			}
		}
	}
	return 0
}
