// Package cachemanager is the central orchestrator (spec §4.5): L1 lookup,
// stale-while-revalidate freshness check, local (and optionally
// cross-process) coalescing on miss, L2 consultation for uncursored
// first-page search, and live upstream fetch with write-through.
//
// Grounded on the teacher's cache-manager/service.go Service.Get /
// fetchWithFallback: same read-through shape (L1 -> L2 -> origin, populate
// on the way back up) and the same atomic.Int64 counters for Metrics —
// generalized from an in-process L1 to a remote one, and with a detached
// background-refresh goroutine added for the stale-but-fresh-enough SWR
// window the teacher's pure cache-aside design never needed.
package cachemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/corvid-labs/feedcache/cachekey"
	"github.com/corvid-labs/feedcache/coalescer"
	"github.com/corvid-labs/feedcache/crosslock"
	"github.com/corvid-labs/feedcache/recordcache"
	"github.com/corvid-labs/feedcache/searchindex"
	"github.com/corvid-labs/feedcache/telemetry"
)

// Metrics tracks cache performance counters (spec §8), mirroring the
// teacher's Service.Metrics shape.
type Metrics struct {
	Hits           atomic.Int64
	StaleHits      atomic.Int64
	Misses         atomic.Int64
	Coalesced      atomic.Int64
	L2Hits         atomic.Int64
	L2Misses       atomic.Int64
	L2Insufficient atomic.Int64
	UpstreamErrors atomic.Int64
}

// FetchFunc performs the live upstream call that populates a cache miss.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Result is what GetOrFetch hands back to the caller.
type Result struct {
	Value  interface{}
	Source string // "l1", "l1_stale", "l2", "upstream"
	Stale  bool
}

// Config bundles the tunables GetOrFetch/SearchOrFetch need (spec §6.5).
type Config struct {
	SWRThreshold         time.Duration
	TTLSearch            time.Duration
	CrossProcessEnabled  bool
	CoalesceLockTTL      time.Duration
	CoalesceWaitTimeout  time.Duration
	CoalesceWaitInterval time.Duration
}

// Manager wires L1, L2, the local coalescer, and an optional cross-process
// lock into one read path.
type Manager struct {
	l1       *recordcache.Cache
	l2       *searchindex.Index
	coalescer coalescer.Group
	lock     *crosslock.Lock
	cfg      Config
	logger   *slog.Logger
	metrics  Metrics

	refreshSem chan struct{}
}

// New builds a Manager. lock may be nil when Config.CrossProcessEnabled is
// false.
func New(l1 *recordcache.Cache, l2 *searchindex.Index, lock *crosslock.Lock, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		l1:         l1,
		l2:         l2,
		lock:       lock,
		cfg:        cfg,
		logger:     logger,
		refreshSem: make(chan struct{}, 8),
	}
}

// GetOrFetch implements the read path for a single-value lookup (profile,
// tweet, tweet_detail, user_tweets, social — spec §4.5.1), step 2-4: the
// non-fresh path. Callers that need the fresh=true bypass (spec §4.5.1 step
// 1) should call ForceFetch instead.
func (m *Manager) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (Result, error) {
	now := time.Now()

	env, ok, err := m.l1.Get(ctx, key)
	if err != nil {
		m.logger.Warn("L1 get failed, degrading to upstream", "key", key, "error", err)
	}

	if ok {
		if env.Fresh(now, m.cfg.SWRThreshold) {
			m.metrics.Hits.Add(1)
			telemetry.CacheHitsTotal.WithLabelValues("cache").Inc()
			return Result{Value: env.Data, Source: "l1"}, nil
		}

		// Stale but still within L1's own TTL: serve it, kick a detached
		// refresh, and return immediately (spec §4.5.4 SWR).
		m.metrics.StaleHits.Add(1)
		telemetry.CacheHitsTotal.WithLabelValues("stale").Inc()
		m.spawnRefresh(key, ttl, fetch)
		return Result{Value: env.Data, Source: "l1_stale", Stale: true}, nil
	}

	m.metrics.Misses.Add(1)
	telemetry.CacheMissesTotal.Inc()
	value, coalesced, err := m.coalesceAndFetch(ctx, key, ttl, fetch)
	if err != nil {
		m.metrics.UpstreamErrors.Add(1)
		return Result{}, err
	}
	if coalesced {
		m.metrics.Coalesced.Add(1)
		telemetry.CoalescedBuildsTotal.Inc()
	}
	return Result{Value: value, Source: "upstream"}, nil
}

// ForceFetch implements the fresh=true branch of spec §4.5.1 step 1: it
// bypasses whatever is in L1 entirely, always runs (or joins) a build, and
// write-throughs the result before returning. A concurrent non-fresh caller
// for the same key still observes the freshly-written value on its next
// read, but this call never relies on — or returns — the envelope that was
// present before it ran.
func (m *Manager) ForceFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (Result, error) {
	value, coalesced, err := m.coalesceAndFetch(ctx, key, ttl, fetch)
	if err != nil {
		m.metrics.UpstreamErrors.Add(1)
		return Result{}, err
	}
	if coalesced {
		m.metrics.Coalesced.Add(1)
		telemetry.CoalescedBuildsTotal.Inc()
	}
	return Result{Value: value, Source: "upstream"}, nil
}

// coalesceAndFetch collapses concurrent local misses via the in-process
// coalescer and, if enabled, a cross-process lock (spec §4.1/§4.2).
func (m *Manager) coalesceAndFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (interface{}, bool, error) {
	res := m.coalescer.Do(key, func() (interface{}, error) {
		if m.cfg.CrossProcessEnabled && m.lock != nil {
			return m.fetchWithCrossLock(ctx, key, ttl, fetch)
		}
		return m.fetchAndStore(ctx, key, ttl, fetch)
	})
	return res.Value, res.Coalesced, res.Err
}

// fetchWithCrossLock tries to become the cross-process leader; followers
// wait for the leader's L1 write instead of hitting upstream themselves
// (spec §4.2).
func (m *Manager) fetchWithCrossLock(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (interface{}, error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())

	acquired, err := m.lock.TryAcquire(ctx, key, token, m.cfg.CoalesceLockTTL)
	if err != nil {
		m.logger.Warn("cross-process lock unavailable, fetching directly", "key", key, "error", err)
		return m.fetchAndStore(ctx, key, ttl, fetch)
	}

	if !acquired {
		found, err := m.lock.WaitForKey(ctx, key, m.cfg.CoalesceWaitTimeout, m.cfg.CoalesceWaitInterval)
		if err == nil && found {
			env, ok, err := m.l1.Get(ctx, key)
			if err == nil && ok {
				return env.Data, nil
			}
		}
		return m.fetchAndStore(ctx, key, ttl, fetch)
	}

	defer func() { _ = m.lock.Release(ctx, key, token) }()
	return m.fetchAndStore(ctx, key, ttl, fetch)
}

// fetchAndStore calls fetch, writes the result into L1, and returns it.
func (m *Manager) fetchAndStore(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (interface{}, error) {
	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.l1.Set(ctx, key, value, ttl, time.Now()); err != nil {
		m.logger.Warn("L1 write-through failed", "key", key, "error", err)
	}
	return value, nil
}

// spawnRefresh runs a detached SWR refresh, bounded by refreshSem so a
// burst of simultaneously-stale keys can't flood upstream (spec §4.5.4).
// A full semaphore silently skips the refresh — the value is still served
// stale and will refresh on a future request.
func (m *Manager) spawnRefresh(key string, ttl time.Duration, fetch FetchFunc) {
	select {
	case m.refreshSem <- struct{}{}:
	default:
		return
	}

	go func() {
		defer func() { <-m.refreshSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := m.fetchAndStore(ctx, key, ttl, fetch); err != nil {
			m.logger.Warn("SWR background refresh failed", "key", key, "error", err)
		}
	}()
}

// SearchResult is the outcome of a search lookup.
type SearchResult struct {
	Records []interface{}
	Source  string // "l1", "l1_stale", "l2", "upstream"
	Stale   bool
}

// HydrateFunc resolves a set of record IDs into the opaque records the
// cache core stores — used to turn L2 search hits back into full records
// via L1 (spec §4.5.3).
type HydrateFunc func(ctx context.Context, ids []string) (found []interface{}, coverage float64, err error)

// SearchFetchFunc performs a live search against upstream.
type SearchFetchFunc func(ctx context.Context) ([]interface{}, []searchindex.Document, error)

const l2CoverageThreshold = 0.8

// SearchOrFetch implements the first-page (uncursored) search read path
// (spec §4.4/§4.5.2/§4.5.3). It is a thin convenience wrapper over
// SearchOrFetchCursor with cursor = "" — the common case, and the only one
// where L2 is ever consulted (spec §4.4: "L2 is consulted only for
// first-page search, because L2 has no cursor model").
func (m *Manager) SearchOrFetch(ctx context.Context, key, query string, limit int, hydrate HydrateFunc, fetch SearchFetchFunc) (SearchResult, error) {
	return m.SearchOrFetchCursor(ctx, key, query, limit, "", hydrate, fetch)
}

// SearchOrFetchCursor implements the full search read path (spec §4.5.2):
// L1 is always consulted first by cache key; a fresh hit returns
// immediately, a stale hit returns immediately and spawns a detached
// refresh, and only a miss with cursor == "" falls through to L2 before
// finally reaching upstream. L2 hits are write-through cached like any
// other result so a repeat of the same uncursored query becomes an L1 hit.
func (m *Manager) SearchOrFetchCursor(ctx context.Context, key, query string, limit int, cursor string, hydrate HydrateFunc, fetch SearchFetchFunc) (SearchResult, error) {
	now := time.Now()

	env, ok, err := m.l1.Get(ctx, key)
	if err != nil {
		m.logger.Warn("L1 get failed for search key, degrading to upstream", "key", key, "error", err)
	}

	if ok {
		var records []interface{}
		if decodeErr := env.Unmarshal(&records); decodeErr != nil {
			m.logger.Warn("search envelope decode failed, treating as miss", "key", key, "error", decodeErr)
		} else if env.Fresh(now, m.cfg.SWRThreshold) {
			m.metrics.Hits.Add(1)
			telemetry.SearchOriginTotal.WithLabelValues("cache").Inc()
			return SearchResult{Records: records, Source: "l1"}, nil
		} else {
			m.metrics.StaleHits.Add(1)
			telemetry.SearchOriginTotal.WithLabelValues("stale").Inc()
			m.spawnSearchRefresh(key, hydrate, fetch)
			return SearchResult{Records: records, Source: "l1_stale", Stale: true}, nil
		}
	}

	if cursor == "" && m.l2 != nil && m.l2.Available() {
		ids := m.l2.Search(ctx, query, limit)
		if len(ids) > 0 {
			records, coverage, err := hydrate(ctx, ids)
			if err == nil && coverage >= l2CoverageThreshold {
				m.metrics.L2Hits.Add(1)
				telemetry.SearchOriginTotal.WithLabelValues("index").Inc()
				if writeErr := m.l1.Set(ctx, key, records, m.cfg.TTLSearch, now); writeErr != nil {
					m.logger.Warn("L1 write-through for L2 search hit failed", "key", key, "error", writeErr)
				}
				return SearchResult{Records: records, Source: "l2"}, nil
			}
			m.metrics.L2Insufficient.Add(1)
			telemetry.L2InsufficientCoverageTotal.Inc()
		} else {
			m.metrics.L2Misses.Add(1)
		}
	}

	records, docs, err := fetch(ctx)
	if err != nil {
		m.metrics.UpstreamErrors.Add(1)
		return SearchResult{}, err
	}
	telemetry.SearchOriginTotal.WithLabelValues("live").Inc()

	m.writeThroughSearch(ctx, key, records, docs, now)
	return SearchResult{Records: records, Source: "upstream"}, nil
}

// writeThroughSearch persists a live or refreshed search result to L1 and
// asynchronously to L2 (spec §4.5.3). L2 indexing failure is non-fatal.
func (m *Manager) writeThroughSearch(ctx context.Context, key string, records []interface{}, docs []searchindex.Document, now time.Time) {
	if err := m.l1.Set(ctx, key, records, m.cfg.TTLSearch, now); err != nil {
		m.logger.Warn("L1 write-through for search failed", "key", key, "error", err)
	}
	if m.l2 != nil && len(docs) > 0 {
		m.l2.IndexDocuments(ctx, docs)
	}
}

// spawnSearchRefresh runs a detached SWR refresh for a stale search
// envelope, reusing the same L2-bypassed live-fetch path (spec §4.5.2 rule
// 2): a stale search result is always refreshed against upstream, never
// re-consulted against L2, because L2 cannot distinguish a cursor-bearing
// refresh from a first page.
func (m *Manager) spawnSearchRefresh(key string, hydrate HydrateFunc, fetch SearchFetchFunc) {
	select {
	case m.refreshSem <- struct{}{}:
	default:
		return
	}

	go func() {
		defer func() { <-m.refreshSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		records, docs, err := fetch(ctx)
		if err != nil {
			m.logger.Warn("SWR search background refresh failed", "key", key, "error", err)
			return
		}
		m.writeThroughSearch(ctx, key, records, docs, time.Now())
	}()
}

// MetricsSnapshot is a point-in-time copy of Metrics safe to pass by value.
type MetricsSnapshot struct {
	Hits, StaleHits, Misses, Coalesced int64
	L2Hits, L2Misses, L2Insufficient   int64
	UpstreamErrors                     int64
}

// Snapshot reads a point-in-time copy of the manager's counters for
// telemetry export.
func (m *Manager) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:           m.metrics.Hits.Load(),
		StaleHits:      m.metrics.StaleHits.Load(),
		Misses:         m.metrics.Misses.Load(),
		Coalesced:      m.metrics.Coalesced.Load(),
		L2Hits:         m.metrics.L2Hits.Load(),
		L2Misses:       m.metrics.L2Misses.Load(),
		L2Insufficient: m.metrics.L2Insufficient.Load(),
		UpstreamErrors: m.metrics.UpstreamErrors.Load(),
	}
}

// BuildKey is a thin convenience wrapper so callers don't import cachekey
// directly just to build a manager request.
func BuildKey(kind cachekey.Kind, args ...string) string {
	return cachekey.Build(kind, args...)
}
