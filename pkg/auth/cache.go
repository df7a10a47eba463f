// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"strings"
	"sync"
)

// TokenCache is an in-memory map from credential origin to minted tokens.
// It is never persisted. Safe for concurrent use.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]CachedToken
}

// NewTokenCache creates an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries: make(map[string]CachedToken),
	}
}

// CacheKey composes the cache key for a credentials file, credential kind,
// and optional scope set: "<path>|<kind>[|<scopes,comma-joined>]".
func CacheKey(path, kind string, scopes []string) string {
	key := path + "|" + kind
	if len(scopes) > 0 {
		key += "|" + strings.Join(scopes, ",")
	}
	return key
}

// Get returns the cached token for key, if present.
func (c *TokenCache) Get(key string) (CachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.entries[key]
	return tok, ok
}

// Put stores a token under key, replacing any previous entry.
func (c *TokenCache) Put(key string, tok CachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = tok
}

// Evict removes the entry for key. Eviction is scoped to one entry; a
// refresh failure never clears unrelated entries.
func (c *TokenCache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
