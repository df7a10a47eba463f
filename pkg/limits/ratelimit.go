// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/modelbridge/pkg/errors"
	"github.com/stacklok/modelbridge/pkg/logger"
)

const (
	// windowMillis is the trailing admission window.
	windowMillis = 60_000

	// rateKeyTTLSeconds keeps the shared sorted set from leaking after
	// all processes stop admitting.
	rateKeyTTLSeconds = 120
)

func nowUnixMillis() int64 {
	return time.Now().UnixMilli()
}

// RateLimiter admits at most maxPerMinute calls in any trailing 60-second
// window. There is no queueing: a rejected call fails immediately.
type RateLimiter interface {
	// Check admits the call or returns a rate_limit_exceeded error.
	Check(ctx context.Context) error
}

// NewRateLimiter returns the shared variant when a store is available,
// otherwise the process-local one.
func NewRateLimiter(maxPerMinute int, store *SharedClient) RateLimiter {
	if store != nil {
		return &sharedRateLimiter{max: maxPerMinute, store: store}
	}
	return NewLocalRateLimiter(maxPerMinute)
}

// LocalRateLimiter keeps recent admission timestamps in a mutex-guarded
// slice, oldest first.
type LocalRateLimiter struct {
	max       int
	nowMillis func() int64

	mu     sync.Mutex
	stamps []int64
}

// NewLocalRateLimiter creates a single-process sliding-window limiter.
func NewLocalRateLimiter(maxPerMinute int) *LocalRateLimiter {
	return &LocalRateLimiter{
		max:       maxPerMinute,
		nowMillis: nowUnixMillis,
	}
}

// Check implements RateLimiter.
func (l *LocalRateLimiter) Check(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowMillis()
	cutoff := now - windowMillis

	// Drop admissions that fell out of the window.
	live := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts > cutoff {
			live = append(live, ts)
		}
	}
	l.stamps = live

	if len(l.stamps) >= l.max {
		return errors.NewRateLimitExceededError(l.max)
	}

	l.stamps = append(l.stamps, now)

	// Hard cap on memory, discarding oldest first.
	if bound := 2 * l.max; len(l.stamps) > bound {
		l.stamps = append(l.stamps[:0], l.stamps[len(l.stamps)-bound:]...)
	}
	return nil
}

// rateAdmitScript atomically trims the window, checks cardinality, and
// records the admission. The member carries a uuid suffix so two
// admissions in the same millisecond stay distinct.
var rateAdmitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

type sharedRateLimiter struct {
	max   int
	store *SharedClient

	// nowMillis is overridable in tests; nil means wall clock.
	nowMillis func() int64
}

func (s *sharedRateLimiter) Check(ctx context.Context) error {
	now := nowUnixMillis()
	if s.nowMillis != nil {
		now = s.nowMillis()
	}
	cutoff := now - windowMillis
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())

	key := s.store.Key("rate", "requests")
	admitted, err := rateAdmitScript.Run(ctx, s.store.rdb, []string{key},
		cutoff, s.max, now, member, rateKeyTTLSeconds).Int()
	if err != nil {
		// Transient store trouble must not take the bridge down; admit
		// and let the budget backstop usage.
		logger.Debugf("shared rate limiter unavailable, admitting: %v", err)
		return nil
	}
	if admitted == 0 {
		return errors.NewRateLimitExceededError(s.max)
	}
	return nil
}
