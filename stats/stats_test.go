// File: stats/stats_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stats

import (
	"testing"

	"github.com/momentics/hioload-net/sys"
)

func TestLossCounterWindow(t *testing.T) {
	const window = 8
	c := NewPacketLossCounter(window)

	// Fill the whole window.
	for i := 0; i < window; i++ {
		c.AddLoss(2)
	}
	if c.Total() != 16 {
		t.Fatalf("total = %d, want 16", c.Total())
	}

	// One more sample evicts the oldest slot.
	c.AddLoss(5)
	if c.Total() != 2*(window-1)+5 {
		t.Fatalf("total after wrap = %d, want %d", c.Total(), 2*(window-1)+5)
	}

	want := uint8(100 * c.Total() / (window + c.Total()))
	if c.LossPercentage() != want {
		t.Fatalf("loss%% = %d, want %d", c.LossPercentage(), want)
	}
}

func TestLossCounterLargeSample(t *testing.T) {
	c := NewPacketLossCounter(4)

	// 600 spreads over three slots: 255+255+90.
	c.AddLoss(600)
	if c.Total() != 600 {
		t.Fatalf("total = %d, want 600", c.Total())
	}

	c.Clear()
	if c.Total() != 0 || c.LossPercentage() != 0 {
		t.Fatal("clear must reset the window")
	}
}

func TestLossCounterMinimumSize(t *testing.T) {
	c := NewPacketLossCounter(1)
	if len(c.buf) != 4 {
		t.Fatalf("buffer size = %d, want minimum 4", len(c.buf))
	}
}

func TestRttFirstMeasurement(t *testing.T) {
	var r RttStat
	r.AddRtt(100)

	if r.SRtt() != 100 || r.MinRtt() != 100 || r.RttVar() != 50 {
		t.Fatalf("first sample: srtt=%d min=%d var=%d", r.SRtt(), r.MinRtt(), r.RttVar())
	}
}

func TestRttSmoothing(t *testing.T) {
	var r RttStat
	r.AddRtt(100)
	r.AddRtt(200)

	// RTTVAR = 3/4*50 + |200-100|/4 = 62, SRTT = 7/8*100 + 200/8 = 112.
	if r.RttVar() != 62 {
		t.Fatalf("rttVar = %d, want 62", r.RttVar())
	}
	if r.SRtt() != 112 {
		t.Fatalf("sRtt = %d, want 112", r.SRtt())
	}
	if r.MinRtt() != 100 {
		t.Fatalf("minRtt = %d, want 100", r.MinRtt())
	}
}

func TestRtoFloor(t *testing.T) {
	var r RttStat
	r.AddRtt(10)
	if r.Rto() != MinRto {
		t.Fatalf("rto = %d, want floor %d", r.Rto(), MinRto)
	}

	r.Clear()
	for i := 0; i < 16; i++ {
		r.AddRtt(400)
	}
	if r.Rto() < MinRto || r.Rto() < r.SRtt() {
		t.Fatalf("rto = %d below its components", r.Rto())
	}
}

func TestRttZeroSampleClamped(t *testing.T) {
	var r RttStat
	r.AddRtt(0)
	if r.MinRtt() != 1 {
		t.Fatalf("minRtt = %d, want clamp to 1", r.MinRtt())
	}
}

type manualClock struct {
	t sys.Time
}

func (c *manualClock) Now() sys.Time { return c.t }

func TestTokenBucketPacing(t *testing.T) {
	clk := &manualClock{}
	b := NewTokenBucket(clk)

	// Disabled bucket never blocks.
	if !b.UseTokens(1 << 30) {
		t.Fatal("disabled bucket must allow everything")
	}

	// 1000 tokens/second, 100 burst.
	b.Enable(1000, 100)

	if !b.UseTokens(100) {
		t.Fatal("burst allowance missing")
	}
	if b.UseTokens(1) {
		t.Fatal("empty bucket must refuse")
	}

	clk.t.AddMilliseconds(50) // 50 tokens refilled
	if !b.UseTokens(50) {
		t.Fatal("refill after 50ms missing")
	}
	if b.UseTokens(1) {
		t.Fatal("bucket should be empty again")
	}

	clk.t.AddMilliseconds(1000_000)
	if got := b.AvailableTokens(); got != 100 {
		t.Fatalf("refill must cap at burst size, got %d", got)
	}
}
