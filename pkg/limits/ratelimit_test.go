// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package limits

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/modelbridge/pkg/errors"
)

func TestLocalRateLimiterAdmitsUpToMax(t *testing.T) {
	t.Parallel()

	now := int64(1_000_000)
	limiter := NewLocalRateLimiter(3)
	limiter.nowMillis = func() int64 { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx))
	}

	err := limiter.Check(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimitExceeded(err))
	assert.Contains(t, err.Error(), "(3/minute)")
}

func TestLocalRateLimiterSlidingWindow(t *testing.T) {
	t.Parallel()

	now := int64(1_000_000)
	limiter := NewLocalRateLimiter(2)
	limiter.nowMillis = func() int64 { return now }

	ctx := context.Background()
	require.NoError(t, limiter.Check(ctx))
	require.NoError(t, limiter.Check(ctx))
	require.Error(t, limiter.Check(ctx))

	// 59 seconds later both admissions are still inside the window.
	now += 59_000
	require.Error(t, limiter.Check(ctx))

	// Just past 60 seconds from the first two, the window has drained.
	now += 1_001
	require.NoError(t, limiter.Check(ctx))
}

func TestLocalRateLimiterBoundsMemory(t *testing.T) {
	t.Parallel()

	now := int64(1)
	limiter := NewLocalRateLimiter(5)
	limiter.nowMillis = func() int64 { now++; return now }

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_ = limiter.Check(ctx)
	}
	assert.LessOrEqual(t, len(limiter.stamps), 10)
}

func newTestStore(t *testing.T) *SharedClient {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSharedClient(rdb, "test")
}

func TestSharedRateLimiter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	limiter := NewRateLimiter(2, store)

	ctx := context.Background()
	require.NoError(t, limiter.Check(ctx))
	require.NoError(t, limiter.Check(ctx))

	err := limiter.Check(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsRateLimitExceeded(err))
}

func TestSharedRateLimiterWindowExpiry(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := int64(10_000_000)
	limiter := &sharedRateLimiter{
		max:       1,
		store:     NewSharedClient(rdb, "test"),
		nowMillis: func() int64 { return now },
	}

	ctx := context.Background()
	require.NoError(t, limiter.Check(ctx))
	require.Error(t, limiter.Check(ctx))

	now += windowMillis + 1
	require.NoError(t, limiter.Check(ctx))
}

func TestSharedRateLimiterAdmitsOnStoreFailure(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := NewRateLimiter(1, NewSharedClient(rdb, "test"))

	srv.Close()

	// The limiter degrades to admit rather than rejecting every call.
	assert.NoError(t, limiter.Check(context.Background()))
}
