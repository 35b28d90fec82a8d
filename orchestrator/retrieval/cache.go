// Copyright 2025 Quorum Authors
// SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"quorum/shared/logger"
)

// CachingClient wraps a Client with a Redis read-through cache keyed by
// query hash and token budget. Cache faults fall back to the inner
// client; a cache is never allowed to fail a retrieval.
type CachingClient struct {
	inner Client
	rdb   *redis.Client
	ttl   time.Duration
	log   *logger.Logger
}

// DefaultCacheTTL bounds how long cached chunk sets stay fresh.
const DefaultCacheTTL = 5 * time.Minute

// NewCachingClient wraps inner with a cache at addr. A zero ttl uses
// DefaultCacheTTL.
func NewCachingClient(inner Client, addr string, ttl time.Duration) *CachingClient {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingClient{
		inner: inner,
		rdb:   redis.NewClient(&redis.Options{Addr: addr}),
		ttl:   ttl,
		log:   logger.New("retrieval-cache"),
	}
}

// Retrieve implements Client.
func (c *CachingClient) Retrieve(ctx context.Context, query string, tokenBudget int) ([]Chunk, error) {
	key := cacheKey(query, tokenBudget)

	cached, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var chunks []Chunk
		if jsonErr := json.Unmarshal(cached, &chunks); jsonErr == nil {
			return chunks, nil
		}
		// Corrupt entry: drop it and fall through to the inner client.
		c.rdb.Del(ctx, key)
	} else if err != redis.Nil {
		c.log.Warn("", "cache read failed, falling through", map[string]interface{}{
			"error": err.Error(),
		})
	}

	chunks, err := c.inner.Retrieve(ctx, query, tokenBudget)
	if err != nil {
		return nil, err
	}

	if encoded, jsonErr := json.Marshal(chunks); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); setErr != nil {
			c.log.Warn("", "cache write failed", map[string]interface{}{
				"error": setErr.Error(),
			})
		}
	}

	return chunks, nil
}

// Close releases the Redis connection.
func (c *CachingClient) Close() error {
	return c.rdb.Close()
}

func cacheKey(query string, tokenBudget int) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("quorum:retrieval:%s:%d", hex.EncodeToString(sum[:8]), tokenBudget)
}
