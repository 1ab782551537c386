package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed token_bucket.lua
var tokenBucketScript string

const (
	DefaultSharedKey = "leadscore:ratelimit:oracle"
	defaultKeyTTL    = time.Hour
)

var tokenBucket = redis.NewScript(tokenBucketScript)

// SharedBucket is the cluster-wide admission tier. Its state lives in a
// Redis hash that only the Lua script touches.
type SharedBucket struct {
	client  redis.Scripter
	key     string
	rate    float64
	burst   float64
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewSharedBucket(client redis.Scripter, key string, rate, burst float64) *SharedBucket {
	if key == "" {
		key = DefaultSharedKey
	}
	return &SharedBucket{
		client:  client,
		key:     key,
		rate:    rate,
		burst:   burst,
		ttl:     defaultKeyTTL,
		nowFunc: time.Now,
	}
}

func (s *SharedBucket) Key() string { return s.key }

// TryTake runs the bucket script once. An error means the store could not be
// consulted; the decision is then undefined.
func (s *SharedBucket) TryTake(ctx context.Context, cost float64) (bool, error) {
	now := float64(s.nowFunc().UnixMicro()) / 1e6
	ttl := int64(s.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	result, err := tokenBucket.Run(ctx, s.client, []string{s.key},
		s.rate,  // ARGV[1]
		s.burst, // ARGV[2]
		now,     // ARGV[3]
		cost,    // ARGV[4]
		ttl,     // ARGV[5]
	).Result()
	if err != nil {
		return false, fmt.Errorf("shared bucket %s: %w", s.key, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, errors.New("invalid lua response format")
	}
	allowed, _ := values[0].(int64)
	return allowed == 1, nil
}
