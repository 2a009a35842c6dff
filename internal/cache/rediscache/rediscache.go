// Package rediscache caches the scanner's per-symbol funding-rate/volume/
// quote reads behind a TTL, so a symbol re-scanned inside its window
// skips the venue round-trip entirely.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get on a cache miss.
var ErrMiss = errors.New("rediscache: miss")

// Cache wraps a *redis.Client with JSON marshal/unmarshal and a symbol/kind
// keying convention: "fundingrotor:<kind>:<symbol>".
type Cache struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("rediscache: connect: %w", err)
	}
	return &Cache{client: rdb}, nil
}

func key(kind, symbol string) string {
	return fmt.Sprintf("fundingrotor:%s:%s", kind, symbol)
}

// Set stores v (JSON-encoded) under kind/symbol with the given TTL.
func (c *Cache) Set(ctx context.Context, kind, symbol string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("rediscache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, key(kind, symbol), raw, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set: %w", err)
	}
	return nil
}

// Get decodes the cached value for kind/symbol into out. Returns ErrMiss on
// a cache miss rather than wrapping redis.Nil, so callers never import
// go-redis themselves.
func (c *Cache) Get(ctx context.Context, kind, symbol string, out any) error {
	raw, err := c.client.Get(ctx, key(kind, symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("rediscache: get: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
