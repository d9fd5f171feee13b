package txntoken

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHomepage = `<html><head>
<script src="https://abs.twimg.com/responsive-web/client-web/ondemand.s.a1b2c3.js"></script>
</head><body></body></html>`

type fakeFetcher struct {
	body    []byte
	cookies []*http.Cookie
	err     error
	calls   int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, []*http.Cookie, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.body, f.cookies, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWaitReadyBecomesReadyAfterRefresh(t *testing.T) {
	f := &fakeFetcher{body: []byte(sampleHomepage)}
	g := New("https://example.com", time.Hour, f, discardLogger())

	ok := g.WaitReady(context.Background(), time.Second)
	assert.True(t, ok)
}

func TestWaitReadyTimesOutOnSlowFetch(t *testing.T) {
	f := &fakeFetcher{err: errors.New("network down")}
	g := New("https://example.com", time.Hour, f, discardLogger())

	ok := g.WaitReady(context.Background(), 50*time.Millisecond)
	assert.False(t, ok)
}

func TestGenerateIsDeterministicForSameInputs(t *testing.T) {
	f := &fakeFetcher{body: []byte(sampleHomepage)}
	g := New("https://example.com", time.Hour, f, discardLogger())
	require.True(t, g.WaitReady(context.Background(), time.Second))

	a, err := g.Generate(context.Background(), "GET", "/i/api/graphql/xyz")
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), "GET", "/i/api/graphql/xyz")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateDiffersByPath(t *testing.T) {
	f := &fakeFetcher{body: []byte(sampleHomepage)}
	g := New("https://example.com", time.Hour, f, discardLogger())
	require.True(t, g.WaitReady(context.Background(), time.Second))

	a, err := g.Generate(context.Background(), "GET", "/path/a")
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), "GET", "/path/b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGenerateRefreshesInlineWhenStale(t *testing.T) {
	f := &fakeFetcher{body: []byte(sampleHomepage)}
	g := New("https://example.com", time.Millisecond, f, discardLogger())
	require.True(t, g.WaitReady(context.Background(), time.Second))

	time.Sleep(5 * time.Millisecond)
	_, err := g.Generate(context.Background(), "GET", "/path")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&f.calls), int32(2))
}

func TestGenerateFailsWhenHomepageHasNoScript(t *testing.T) {
	f := &fakeFetcher{body: []byte("<html><body>nothing</body></html>")}
	g := New("https://example.com", time.Hour, f, discardLogger())

	_, err := g.Generate(context.Background(), "GET", "/path")
	assert.Error(t, err)
}

func TestCookiesReturnsCapturedHomepageCookies(t *testing.T) {
	cookies := []*http.Cookie{{Name: "gt", Value: "123"}}
	f := &fakeFetcher{body: []byte(sampleHomepage), cookies: cookies}
	g := New("https://example.com", time.Hour, f, discardLogger())
	require.True(t, g.WaitReady(context.Background(), time.Second))

	got := g.Cookies()
	require.Len(t, got, 1)
	assert.Equal(t, "gt", got[0].Name)
}
