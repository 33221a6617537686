// Package ratelimit holds the limiters used by the signaling server: a token
// bucket per WebSocket connection for inbound messages, and a keyed limiter
// per remote address for connection attempts.
//
// Both are driven by an injectable Clock so tests can step time.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket holds up to capacity tokens and refills at fillRate tokens per
// second.
type TokenBucket struct {
	clock Clock
	lim   *rate.Limiter
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	return newBucket(clock, rate.Limit(max(fillRate, 0)), int(max(capacityTokens, 0)))
}

func newBucket(clock Clock, r rate.Limit, burst int) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	lim := rate.NewLimiter(r, burst)
	// Start full at the clock's notion of now rather than the wall clock.
	lim.SetBurstAt(clock.Now(), burst)
	return &TokenBucket{clock: clock, lim: lim}
}

// Allow consumes tokens if that many are available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	return b.lim.AllowN(b.clock.Now(), int(tokens))
}

// Tokens reports the tokens currently available.
func (b *TokenBucket) Tokens() float64 {
	return b.lim.TokensAt(b.clock.Now())
}

// everyPerMinute is the refill interval for n tokens per minute.
func everyPerMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}
