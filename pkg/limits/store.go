// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package limits implements the concurrency governors shared by every tool
// invocation: a sliding-window rate limiter and a daily token budget. Both
// come in a process-local variant and a cross-process variant backed by a
// shared Redis store, where every read-modify-write runs as a server-side
// script or transaction.
package limits

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/modelbridge/pkg/logger"
)

// Default timeouts for shared store operations.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// SharedClient wraps a Redis connection with the configured key prefix.
type SharedClient struct {
	rdb    redis.UniversalClient
	prefix string
}

// Connect dials the shared store. A connection failure is not fatal: it
// logs a single warning and returns nil, and callers fall back to local
// state.
func Connect(ctx context.Context, storeURL, prefix string) *SharedClient {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		logger.Warnf("Shared limit store disabled: invalid store URL: %v", err)
		return nil
	}
	opts.DialTimeout = defaultDialTimeout
	opts.ReadTimeout = defaultReadTimeout
	opts.WriteTimeout = defaultWriteTimeout

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		logger.Warnf("Shared limit store unreachable, falling back to local limits: %v", err)
		return nil
	}

	if prefix == "" {
		prefix = "mbridge"
	}
	return &SharedClient{rdb: rdb, prefix: prefix}
}

// NewSharedClient wraps an existing Redis client. Used by tests with
// miniredis.
func NewSharedClient(rdb redis.UniversalClient, prefix string) *SharedClient {
	if prefix == "" {
		prefix = "mbridge"
	}
	return &SharedClient{rdb: rdb, prefix: prefix}
}

// Key joins parts under the configured prefix.
func (c *SharedClient) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Close releases the underlying connection.
func (c *SharedClient) Close() error {
	return c.rdb.Close()
}
