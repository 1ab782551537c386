// Package cache memoizes successful oracle results by input fingerprint.
//
// Fingerprints are 64-bit hashes of the normalized text. Two different texts
// that collide share a cache slot; that is accepted and never panics.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"leadscore/internal/domain"
)

// Normalize lower-cases text and collapses runs of whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Fingerprint returns 16 hex characters identifying the normalized text.
func Fingerprint(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(Normalize(text)))
}

type entry struct {
	result   domain.ScoreResult
	storedAt time.Time
}

type Stats struct {
	Entries  int
	Hits     int64
	Misses   int64
	Rejected int64
}

type ResultCache struct {
	mu       sync.RWMutex
	entries  map[string]entry
	ttl      time.Duration
	nowFunc  func() time.Time
	hits     atomic.Int64
	misses   atomic.Int64
	rejected atomic.Int64
}

type Option func(*ResultCache)

// WithTTL expires entries older than ttl. Zero keeps entries forever.
func WithTTL(ttl time.Duration) Option {
	return func(c *ResultCache) {
		c.ttl = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) {
		c.nowFunc = now
	}
}

func New(opts ...Option) *ResultCache {
	c := &ResultCache{
		entries: make(map[string]entry),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the stored result.
func (c *ResultCache) Get(fp string) (domain.ScoreResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()

	if ok && c.ttl > 0 && c.nowFunc().Sub(e.storedAt) > c.ttl {
		c.mu.Lock()
		if cur, still := c.entries[fp]; still && cur.storedAt.Equal(e.storedAt) {
			delete(c.entries, fp)
		}
		c.mu.Unlock()
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return domain.ScoreResult{}, false
	}
	c.hits.Add(1)
	return e.result.Clone(), true
}

// Put stores r unless it is a failure or a heuristic result. It reports
// whether the result was stored.
func (c *ResultCache) Put(fp string, r domain.ScoreResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !r.Succeeded || r.Fallback {
		c.rejected.Add(1)
		return false
	}
	r = r.Clone()
	r.Cached = false
	c.entries[fp] = entry{result: r, storedAt: c.nowFunc()}
	return true
}

// Clear drops every entry. Concurrent readers see either the old contents or
// an empty cache.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ResultCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:  len(c.entries),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Rejected: c.rejected.Load(),
	}
}
