// Package redisstore wraps the Redis operations used for warmed cache entries,
// persisted state and health probing.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/perfcore/internal/cache"
	"github.com/mohammed-shakir/perfcore/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithOpTimeout(d time.Duration) Option {
	return func(o *redis.Options) {
		o.ReadTimeout = d
		o.WriteTimeout = d
	}
}

// WithAuth sets the password and logical database. Empty password means none.
func WithAuth(password string, db int) Option {
	return func(o *redis.Options) {
		o.Password = password
		o.DB = db
	}
}

type Client struct {
	rdb *redis.Client
}

var (
	_ cache.Interface = (*Client)(nil)

	// ErrNoExpiry is returned by TTL for keys stored without an expiry.
	ErrNoExpiry = errors.New("key has no expiry")
)

// New connects and pings addr. Warming only issues small single-key calls,
// so the pool is kept modest.
func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	c := &Client{rdb: redis.NewClient(ro)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// observe records the latency of op and its error outcome. redis.Nil is a
// miss, not a failure.
func observe(op string, start time.Time, err error) {
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	observability.ObserveCacheOp(op, err, time.Since(start).Seconds())
}

// Ping round-trips to the server; used by the cache health check.
func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observe("ping", start, err)
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns the value stored at key. found is false when the key is absent.
// Used for state blobs, so it does not count toward cache hit/miss totals.
func (c *Client) Get(ctx context.Context, key string) (val []byte, found bool, err error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	observe("get", start, err)
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, true, nil
}

// MGet returns the found subset of keys. Hits and misses feed the cache
// counters.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	start := time.Now()
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	observe("mget", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}

	out := make(map[string][]byte, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case nil:
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		default:
			out[keys[i]] = fmt.Append(nil, t)
		}
	}
	if len(out) > 0 {
		observability.AddCacheHits(len(out))
	}
	if miss := len(keys) - len(out); miss > 0 {
		observability.AddCacheMisses(miss)
	}
	return out, nil
}

// TTL reports the remaining lifetime of key. found is false when the key is
// absent; ErrNoExpiry is returned for persistent keys.
func (c *Client) TTL(ctx context.Context, key string) (left time.Duration, found bool, err error) {
	start := time.Now()
	d, err := c.rdb.PTTL(ctx, key).Result()
	observe("ttl", start, err)
	if err != nil {
		return 0, false, fmt.Errorf("redis PTTL %q: %w", key, err)
	}
	// PTTL answers -2 for a missing key and -1 for a key without expiry.
	switch {
	case d == -2:
		return 0, false, nil
	case d < 0:
		return 0, true, ErrNoExpiry
	}
	return d, true, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observe("set", start, err)
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observe("del", start, err)
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
