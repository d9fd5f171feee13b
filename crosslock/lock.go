// Package crosslock implements the optional cross-process coalescer lock
// (spec §4.2 Open Question — richer coalescing across process boundaries).
// Disabled by default (Config.CrossProcessLockEnabled); when enabled, the
// cache manager uses it alongside the in-process coalescer so that two
// separate feedcache instances racing on the same cache key still collapse
// to a single upstream fetch.
//
// The acquire/release pair is a single Lua script each, following the
// idempotent-SETNX-then-EXPIRE pattern etalazz-vsa's persistence/redis.go
// uses for commit markers — one round trip, no partial-apply window.
package crosslock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the caller's token does not match
// the current holder (lock already expired and re-acquired by someone else).
var ErrNotHeld = errors.New("crosslock: lock not held by this token")

// Lock is a Redis-backed advisory mutex keyed by cache key.
type Lock struct {
	client *redis.Client
}

// New builds a Lock over an existing redis client (shared with recordcache).
func New(client *redis.Client) *Lock {
	return &Lock{client: client}
}

const acquireScript = `
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`

const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

func lockKey(cacheKey string) string {
	return fmt.Sprintf("coalesce:lock:%s", cacheKey)
}

// TryAcquire attempts to become the fetch leader for cacheKey. token should
// be unique per attempt (spec recommends a UUID); it is the fencing value
// checked on Release so a holder never releases a lock it has lost to TTL
// expiry and re-acquisition by another process.
func (l *Lock) TryAcquire(ctx context.Context, cacheKey, token string, ttl time.Duration) (bool, error) {
	res, err := l.client.Eval(ctx, acquireScript, []string{lockKey(cacheKey)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("crosslock acquire %q: %w", cacheKey, err)
	}
	return res == 1, nil
}

// Release drops the lock if and only if token still matches the held value.
func (l *Lock) Release(ctx context.Context, cacheKey, token string) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{lockKey(cacheKey)}, token).Int()
	if err != nil {
		return fmt.Errorf("crosslock release %q: %w", cacheKey, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// WaitForKey polls L1 for cacheKey's arrival, used by followers that lost
// the TryAcquire race — they wait for the leader to populate the record
// cache rather than issuing a redundant upstream fetch (spec §4.2).
// Returns false on timeout without an error; the caller falls back to an
// inline fetch per spec's §4.2 degraded-mode instruction.
func (l *Lock) WaitForKey(ctx context.Context, cacheKey string, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := l.client.Exists(ctx, cacheKey).Result()
		if err != nil {
			return false, fmt.Errorf("crosslock wait exists %q: %w", cacheKey, err)
		}
		if n > 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
