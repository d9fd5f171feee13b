// Package recordcache implements the L1 record cache (spec §4.3): an
// envelope-based store over a remote key/value service. The core holds no
// persistent state of its own (spec §1 NON-GOALS) — every value here lives
// in Redis, reached the way internal/platform/redis.go in the teacher pack
// connects (ParseURL + Ping at construction), with the idempotent-script
// style of etalazz-vsa's persistence/redis.go borrowed for the advisory
// lock operations.
package recordcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvid-labs/feedcache/envelope"
)

// Cache wraps a go-redis client with the envelope-aware operations the
// cache manager needs.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New dials L1 from a connection string, matching the given connect
// timeout. A failure to connect is non-fatal to the caller: per spec §7,
// L1-unavailable degrades the core to always-live-build, it does not stop
// the process.
func New(ctx context.Context, url string, connectTimeout time.Duration, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing L1 URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging L1: %w", err)
	}

	return &Cache{client: client, logger: logger}, nil
}

// NewFromClient wraps an already-constructed redis client (used by tests
// against miniredis, and by callers that want to share a connection pool).
func NewFromClient(client *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client exposes the underlying redis client so callers can share this
// cache's connection pool for other Redis-backed components (crosslock's
// advisory locks, spec §4.8) instead of opening a second connection.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Ping checks L1 liveness.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get reads an envelope. A decode failure is treated as a miss, never a
// hard error (spec §4.3) — it is logged and absorbed.
func (c *Cache) Get(ctx context.Context, key string) (envelope.Envelope, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return envelope.Envelope{}, false, nil
	}
	if err != nil {
		return envelope.Envelope{}, false, fmt.Errorf("L1 get %q: %w", key, err)
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		c.logger.Warn("L1 envelope decode failed, treating as miss", "key", key, "error", err)
		return envelope.Envelope{}, false, nil
	}
	return env, true, nil
}

// Set wraps value in an envelope stamped with now and stores it with ttl.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, now time.Time) error {
	env, err := envelope.Wrap(value, now)
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("L1 set %q: %w", key, err)
	}
	return nil
}

// MGet reads multiple keys, preserving order. Missing or undecodable
// entries are nil at their position (spec §4.3 — used for search
// hydration). An empty input returns an empty slice without touching L1
// (spec §8 boundary behaviour).
func (c *Cache) MGet(ctx context.Context, keys []string) ([]*envelope.Envelope, error) {
	if len(keys) == 0 {
		return []*envelope.Envelope{}, nil
	}

	raws, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("L1 mget: %w", err)
	}

	out := make([]*envelope.Envelope, len(raws))
	for i, r := range raws {
		if r == nil {
			continue
		}
		s, ok := r.(string)
		if !ok {
			continue
		}
		env, err := envelope.Decode([]byte(s))
		if err != nil {
			c.logger.Warn("L1 mget envelope decode failed, treating as miss", "key", keys[i], "error", err)
			continue
		}
		out[i] = &env
	}
	return out, nil
}

// BatchItem is one entry of a pipelined write.
type BatchItem struct {
	Key   string
	Value interface{}
	TTL   time.Duration
}

// BatchSet pipelines a set of writes. Non-transactional by design (spec
// §4.3): each item has its own TTL and a failure on one does not roll back
// the others. An empty input is a no-op (spec §8 boundary behaviour).
func (c *Cache) BatchSet(ctx context.Context, items []BatchItem, now time.Time) error {
	if len(items) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, item := range items {
		env, err := envelope.Wrap(item.Value, now)
		if err != nil {
			return err
		}
		raw, err := envelope.Encode(env)
		if err != nil {
			return err
		}
		pipe.Set(ctx, item.Key, raw, item.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("L1 batch_set: %w", err)
	}
	return nil
}

// Del removes a key.
func (c *Cache) Del(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("L1 del %q: %w", key, err)
	}
	return nil
}
