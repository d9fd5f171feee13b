package cachemanager

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/feedcache/recordcache"
	"github.com/corvid-labs/feedcache/searchindex"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordcache.Cache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l1 := recordcache.NewFromClient(client, discardLogger())

	return New(l1, nil, nil, cfg, discardLogger()), l1
}

func defaultConfig() Config {
	return Config{SWRThreshold: time.Minute}
}

func TestGetOrFetchCacheHitFastPath(t *testing.T) {
	m, l1 := newTestManager(t, defaultConfig())
	require.NoError(t, l1.Set(context.Background(), "k1", "cached-value", time.Hour, time.Now()))

	var calls int32
	res, err := m.GetOrFetch(context.Background(), "k1", time.Hour, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "fetched-value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "l1", res.Source)
	assert.False(t, res.Stale)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestGetOrFetchMissTriggersFetchAndPopulates(t *testing.T) {
	m, l1 := newTestManager(t, defaultConfig())

	var calls int32
	res, err := m.GetOrFetch(context.Background(), "k2", time.Hour, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "fresh-value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "upstream", res.Source)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	_, ok, err := l1.Get(context.Background(), "k2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetOrFetchServesStaleAndRefreshesInBackground(t *testing.T) {
	m, l1 := newTestManager(t, Config{SWRThreshold: time.Millisecond})
	require.NoError(t, l1.Set(context.Background(), "k3", "stale-value", time.Hour, time.Now().Add(-time.Second)))

	var calls int32
	res, err := m.GetOrFetch(context.Background(), "k3", time.Hour, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "refreshed-value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "l1_stale", res.Source)
	assert.True(t, res.Stale)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, 5*time.Millisecond)
}

func TestGetOrFetchConcurrentMissesCoalesceToOneFetch(t *testing.T) {
	m, _ := newTestManager(t, defaultConfig())

	var calls int32
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "value", nil
	}

	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := m.GetOrFetch(context.Background(), "k4", time.Hour, fetch)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	m, _ := newTestManager(t, defaultConfig())

	_, err := m.GetOrFetch(context.Background(), "k5", time.Hour, func(ctx context.Context) (interface{}, error) {
		return nil, assert.AnError
	})
	require.Error(t, err)
}

func TestSearchOrFetchHitWithSufficientCoverageSkipsUpstream(t *testing.T) {
	m, _ := newTestManager(t, defaultConfig())

	var upstreamCalls int32
	hydrate := func(ctx context.Context, ids []string) ([]interface{}, float64, error) {
		return []interface{}{"rec1", "rec2"}, 1.0, nil
	}
	fetch := func(ctx context.Context) ([]interface{}, []searchindex.Document, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return nil, nil, nil
	}

	// With l2 nil, SearchOrFetch always falls through to upstream — this
	// confirms that fallback path populates L1 and never panics on a nil L2.
	res, err := m.SearchOrFetch(context.Background(), "search:k", "hello", 20, hydrate, fetch)
	require.NoError(t, err)
	assert.Equal(t, "upstream", res.Source)
	assert.EqualValues(t, 1, atomic.LoadInt32(&upstreamCalls))
}

func newFakeSearchIndex(t *testing.T, ids []string) *searchindex.Index {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/collections/records":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/collections/records/documents/search":
			type hit struct {
				Document searchindex.Document `json:"document"`
			}
			hits := make([]hit, 0, len(ids))
			for _, id := range ids {
				hits = append(hits, hit{Document: searchindex.Document{ID: id}})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"hits": hits})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return searchindex.New(context.Background(), searchindex.Options{
		Enabled:  true,
		Protocol: u.Scheme,
		Host:     u.Hostname(),
		Port:     port,
		APIKey:   "test-key",
		Timeout:  2 * time.Second,
	}, discardLogger())
}

func TestSearchOrFetchTrustsL2HitWithSufficientCoverage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	l1 := recordcache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), discardLogger())

	idx := newFakeSearchIndex(t, []string{"id1", "id2"})
	require.True(t, idx.Available())

	m := New(l1, idx, nil, defaultConfig(), discardLogger())

	var upstreamCalls int32
	hydrate := func(ctx context.Context, ids []string) ([]interface{}, float64, error) {
		assert.Equal(t, []string{"id1", "id2"}, ids)
		return []interface{}{"rec1", "rec2"}, 1.0, nil
	}
	fetch := func(ctx context.Context) ([]interface{}, []searchindex.Document, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return nil, nil, nil
	}

	res, err := m.SearchOrFetch(context.Background(), "search:k3", "hello", 20, hydrate, fetch)
	require.NoError(t, err)
	assert.Equal(t, "l2", res.Source)
	assert.EqualValues(t, 0, atomic.LoadInt32(&upstreamCalls))
}

func TestSearchOrFetchInsufficientCoverageFallsThroughToUpstream(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	l1 := recordcache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), discardLogger())

	idx := newFakeSearchIndex(t, []string{"id1", "id2", "id3"})
	require.True(t, idx.Available())

	m := New(l1, idx, nil, defaultConfig(), discardLogger())

	var upstreamCalls int32
	hydrate := func(ctx context.Context, ids []string) ([]interface{}, float64, error) {
		return []interface{}{"rec1"}, 0.33, nil
	}
	fetch := func(ctx context.Context) ([]interface{}, []searchindex.Document, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return []interface{}{"rec1", "rec2", "rec3"}, nil, nil
	}

	res, err := m.SearchOrFetch(context.Background(), "search:k4", "hello", 20, hydrate, fetch)
	require.NoError(t, err)
	assert.Equal(t, "upstream", res.Source)
	assert.EqualValues(t, 1, atomic.LoadInt32(&upstreamCalls))
}

func TestForceFetchBypassesFreshEnvelopeAndRewritesIt(t *testing.T) {
	m, l1 := newTestManager(t, defaultConfig())
	require.NoError(t, l1.Set(context.Background(), "k6", "old-value", time.Hour, time.Now()))

	var calls int32
	res, err := m.ForceFetch(context.Background(), "k6", time.Hour, func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "new-value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "upstream", res.Source)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "fresh=true must always invoke the build, never trust the existing envelope")

	env, ok, err := l1.Get(context.Background(), "k6")
	require.NoError(t, err)
	require.True(t, ok)
	var got string
	require.NoError(t, env.Unmarshal(&got))
	assert.Equal(t, "new-value", got)
}

func TestSearchOrFetchServesStaleFromL1BeforeL2(t *testing.T) {
	m, l1 := newTestManager(t, Config{SWRThreshold: time.Millisecond})
	require.NoError(t, l1.Set(context.Background(), "search:stale", []interface{}{"rec1"}, time.Hour, time.Now().Add(-time.Second)))

	var upstreamCalls int32
	hydrate := func(ctx context.Context, ids []string) ([]interface{}, float64, error) {
		t.Fatal("L2 must not be consulted once L1 holds a (even stale) entry for this key")
		return nil, 0, nil
	}
	fetch := func(ctx context.Context) ([]interface{}, []searchindex.Document, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return []interface{}{"rec1", "rec2"}, nil, nil
	}

	res, err := m.SearchOrFetch(context.Background(), "search:stale", "hello", 20, hydrate, fetch)
	require.NoError(t, err)
	assert.Equal(t, "l1_stale", res.Source)
	assert.True(t, res.Stale)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&upstreamCalls) >= 1 }, time.Second, 5*time.Millisecond)
}

func TestSearchOrFetchCursorSkipsL2WhenCursorPresent(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	l1 := recordcache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), discardLogger())

	idx := newFakeSearchIndex(t, []string{"id1", "id2"})
	m := New(l1, idx, nil, defaultConfig(), discardLogger())

	hydrate := func(ctx context.Context, ids []string) ([]interface{}, float64, error) {
		t.Fatal("L2 has no cursor model and must not be consulted for a cursor-bearing request")
		return nil, 0, nil
	}
	var upstreamCalls int32
	fetch := func(ctx context.Context) ([]interface{}, []searchindex.Document, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return []interface{}{"rec1"}, nil, nil
	}

	res, err := m.SearchOrFetchCursor(context.Background(), "search:cursored", "hello", 20, "next-page-token", hydrate, fetch)
	require.NoError(t, err)
	assert.Equal(t, "upstream", res.Source)
	assert.EqualValues(t, 1, atomic.LoadInt32(&upstreamCalls))
}

func TestSearchOrFetchFallsThroughOnUpstreamError(t *testing.T) {
	m, _ := newTestManager(t, defaultConfig())

	hydrate := func(ctx context.Context, ids []string) ([]interface{}, float64, error) {
		return nil, 0, nil
	}
	fetch := func(ctx context.Context) ([]interface{}, []searchindex.Document, error) {
		return nil, nil, assert.AnError
	}

	_, err := m.SearchOrFetch(context.Background(), "search:k2", "hello", 20, hydrate, fetch)
	require.Error(t, err)
}
