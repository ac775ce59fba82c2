// File: stats/tokenbucket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package stats

import (
	"github.com/momentics/hioload-net/sys"
)

// TokenBucket paces an operation against a clock shared with the event loop.
// While disabled every UseTokens call succeeds.
type TokenBucket struct {
	clock     sys.Clock
	lastAdded sys.Time
	tokenRate float64 // tokens per millisecond
	tokens    uint32
	maxTokens uint32
	enabled   bool
}

// NewTokenBucket creates a disabled bucket reading time from clock.
func NewTokenBucket(clock sys.Clock) *TokenBucket {
	return &TokenBucket{clock: clock}
}

// Disable turns pacing off.
func (b *TokenBucket) Disable() { b.enabled = false }

// Enable starts pacing at tokenRate tokens/second with the given burst size.
func (b *TokenBucket) Enable(tokenRate, maxTokens uint32) {
	b.enabled = true
	b.lastAdded = b.clock.Now()
	b.maxTokens = maxTokens
	b.tokens = maxTokens
	b.tokenRate = float64(tokenRate) / 1000.0
}

// UseTokens consumes tokens if available, reporting whether the caller may
// proceed.
func (b *TokenBucket) UseTokens(tokens uint32) bool {
	if !b.enabled {
		return true
	}
	if b.AvailableTokens() < tokens {
		return false
	}
	b.tokens -= tokens
	return true
}

// AvailableTokens refills from elapsed time and returns the token count.
func (b *TokenBucket) AvailableTokens() uint32 {
	if !b.enabled {
		return 0xFFFFFFFF
	}

	now := b.clock.Now()
	diff := now.DiffMilliseconds(b.lastAdded)
	if diff > 0 {
		newTokens := b.tokenRate*float64(diff) + float64(b.tokens)
		if newTokens > float64(b.maxTokens) {
			b.tokens = b.maxTokens
		} else {
			b.tokens = uint32(newTokens)
		}
		b.lastAdded = now
	}
	return b.tokens
}
