package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is the in-process admission tier: a rate.Limiter read and
// charged against an injectable clock. Costs are rounded up to whole tokens.
type TokenBucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	nowFunc func() time.Time // for testing
}

// Grant is a local admission that can still be given back.
type Grant struct {
	bucket      *TokenBucket
	reservation *rate.Reservation
	at          time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(ratePerSec, burst float64) *TokenBucket {
	return newTokenBucketWithClock(ratePerSec, burst, time.Now)
}

func newTokenBucketWithClock(ratePerSec, burst float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(math.Floor(burst))),
		nowFunc: now,
	}
}

// TryTake charges cost tokens if they are available right now. A denied
// request consumes nothing.
func (b *TokenBucket) TryTake(cost float64) (*Grant, bool) {
	n := tokens(cost)
	if n == 0 {
		return &Grant{}, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFunc()
	r := b.limiter.ReserveN(now, n)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(now) > 0 {
		r.CancelAt(now)
		return nil, false
	}
	return &Grant{bucket: b, reservation: r, at: now}, true
}

// Cancel gives the grant's tokens back to the bucket. Tokens reserved by
// later grants reduce what comes back, so Cancel never over-refunds.
func (g *Grant) Cancel() {
	if g == nil || g.reservation == nil {
		return
	}
	g.bucket.mu.Lock()
	defer g.bucket.mu.Unlock()
	g.reservation.CancelAt(g.at)
	g.reservation = nil
}

func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limiter.TokensAt(b.nowFunc())
}

// WaitTime reports how long until cost tokens are available: zero when they
// are available now, negative when they never will be.
func (b *TokenBucket) WaitTime(cost float64) time.Duration {
	n := tokens(cost)
	if n > b.limiter.Burst() || b.limiter.Limit() <= 0 {
		return -1
	}
	missing := float64(n) - b.Available()
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second))
}

func (b *TokenBucket) Rate() float64 {
	return float64(b.limiter.Limit())
}

func (b *TokenBucket) Burst() float64 {
	return float64(b.limiter.Burst())
}

func tokens(cost float64) int {
	if cost <= 0 {
		return 0
	}
	return int(math.Ceil(cost))
}
