package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"leadscore/internal/domain"
)

const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultSharedTimeout   = 200 * time.Millisecond
	DefaultRecheckInterval = 5 * time.Second
	defaultRetryAfter      = time.Minute
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ExceededError is returned by Acquire when admission did not happen before
// the timeout. RetryAfter is a hint, not a guarantee.
type ExceededError struct {
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Shared is the cross-process tier. SharedBucket implements it.
type Shared interface {
	TryTake(ctx context.Context, cost float64) (bool, error)
}

type Status struct {
	LocalAvailable float64
	Rate           float64
	Burst          float64
	SharedEnabled  bool
	Degraded       bool
	DegradedEvents int64
}

type Limiter struct {
	local           *TokenBucket
	shared          Shared
	pollInterval    time.Duration
	sharedTimeout   time.Duration
	recheckInterval time.Duration

	degradedMu     sync.Mutex
	degraded       bool
	nextRecheck    time.Time
	degradedEvents atomic.Int64
}

type Option func(*Limiter)

// WithShared adds the cluster-wide tier. A nil shared keeps the limiter
// local-only.
func WithShared(shared Shared) Option {
	return func(l *Limiter) {
		l.shared = shared
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithSharedTimeout bounds each call to the shared tier.
func WithSharedTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sharedTimeout = d
		}
	}
}

// WithRecheckInterval sets how often a degraded limiter tries the shared
// tier again. Zero tries on every admission.
func WithRecheckInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d >= 0 {
			l.recheckInterval = d
		}
	}
}

func NewLimiter(local *TokenBucket, opts ...Option) *Limiter {
	l := &Limiter{
		local:           local,
		pollInterval:    DefaultPollInterval,
		sharedTimeout:   DefaultSharedTimeout,
		recheckInterval: DefaultRecheckInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit is the non-blocking admission decision. The local tier is checked
// first; a shared-tier denial gives the local grant back. When the shared
// store cannot be reached within the shared timeout the local grant stands,
// and the shared tier is skipped until the recheck interval passes.
func (l *Limiter) Admit(ctx context.Context, cost float64) bool {
	grant, ok := l.local.TryTake(cost)
	if !ok {
		return false
	}
	if l.shared == nil {
		return true
	}
	if !l.shouldCallShared(time.Now()) {
		l.degradedEvents.Add(1)
		return true
	}

	ok, err := l.callShared(ctx, cost)
	if err != nil {
		if ctx.Err() != nil {
			grant.Cancel()
			return false
		}
		l.markDegraded(err)
		return true
	}
	l.markHealthy()
	if !ok {
		grant.Cancel()
		return false
	}
	return true
}

type sharedResult struct {
	ok  bool
	err error
}

// callShared runs one shared-tier check and gives up after sharedTimeout even
// if the Shared implementation ignores its context.
func (l *Limiter) callShared(ctx context.Context, cost float64) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, l.sharedTimeout)
	defer cancel()

	done := make(chan sharedResult, 1)
	go func() {
		ok, err := l.shared.TryTake(sctx, cost)
		done <- sharedResult{ok: ok, err: err}
	}()

	select {
	case res := <-done:
		return res.ok, res.err
	case <-sctx.Done():
		return false, fmt.Errorf("shared tier: %w", context.Cause(sctx))
	}
}

// shouldCallShared is false while degraded, except once per recheck interval.
func (l *Limiter) shouldCallShared(now time.Time) bool {
	l.degradedMu.Lock()
	defer l.degradedMu.Unlock()
	if !l.degraded {
		return true
	}
	if now.Before(l.nextRecheck) {
		return false
	}
	l.nextRecheck = now.Add(l.recheckInterval)
	return true
}

// Acquire polls Admit until it succeeds, the timeout passes or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, cost float64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	admitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	for {
		if ctx.Err() != nil {
			return domain.Interrupted(ctx, "rate limit wait")
		}
		if l.Admit(admitCtx, cost) {
			return nil
		}
		if ctx.Err() != nil {
			return domain.Interrupted(ctx, "rate limit wait")
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &ExceededError{RetryAfter: l.retryAfter(cost)}
		}
		timer := time.NewTimer(min(l.pollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Interrupted(ctx, "rate limit wait")
		case <-timer.C:
		}
	}
}

func (l *Limiter) retryAfter(cost float64) time.Duration {
	wait := l.local.WaitTime(cost)
	if wait <= 0 {
		// local tokens are there, so the shared tier is the bottleneck
		return defaultRetryAfter
	}
	return wait
}

func (l *Limiter) Status() Status {
	l.degradedMu.Lock()
	degraded := l.degraded
	l.degradedMu.Unlock()

	return Status{
		LocalAvailable: l.local.Available(),
		Rate:           l.local.Rate(),
		Burst:          l.local.Burst(),
		SharedEnabled:  l.shared != nil,
		Degraded:       degraded,
		DegradedEvents: l.degradedEvents.Load(),
	}
}

func (l *Limiter) markDegraded(err error) {
	l.degradedEvents.Add(1)

	l.degradedMu.Lock()
	defer l.degradedMu.Unlock()
	l.nextRecheck = time.Now().Add(l.recheckInterval)
	if !l.degraded {
		l.degraded = true
		log.Printf("ratelimit shared store unavailable, admitting on local bucket only: %v", err)
	}
}

func (l *Limiter) markHealthy() {
	l.degradedMu.Lock()
	defer l.degradedMu.Unlock()
	if l.degraded {
		l.degraded = false
		log.Printf("ratelimit shared store recovered after %d degraded admissions", l.degradedEvents.Load())
	}
}
