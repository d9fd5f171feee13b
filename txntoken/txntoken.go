// Package txntoken generates the per-request transaction-token header
// every upstream call must carry (spec §4.10). The header's derivation
// material is scraped once from the upstream homepage and cached for
// TXN_TTL; generating it fresh per request would mean an HTML fetch and
// parse on every call, which the spec explicitly rules out.
//
// Grounded on spec §4.10's own algorithm description: lazily fetch and
// parse the homepage (golang.org/x/net/html, same parser family the domain
// stack already uses nowhere else in the teacher, adopted here because
// the teacher pack has no HTML client of its own to imitate), locate the
// on-demand script reference, derive per-request header material from
// method+path, and expose readiness via a channel so callers can wait
// briefly instead of serializing every request behind first-init.
package txntoken

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
)

// Fetcher performs the homepage and on-demand-script GETs. Implemented by
// upstream.Client in production; a plain *http.Client satisfies it for
// standalone use and tests.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, cookies []*http.Cookie, err error)
}

// HTTPFetcher adapts a stdlib http.Client to Fetcher.
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return body, resp.Cookies(), nil
}

// material is the homepage-derived seed used to stamp every header.
type material struct {
	seed      []byte
	cookies   []*http.Cookie
	refreshed time.Time
}

// Generator lazily refreshes material scraped from homepageURL and derives
// a transaction-token header per request.
type Generator struct {
	homepageURL string
	ttl         time.Duration
	fetcher     Fetcher
	logger      *slog.Logger

	mu       sync.RWMutex
	current  *material
	initOnce sync.Once
	readyCh  chan struct{}
}

// New builds a generator. Call EnsureReady (or let the first Generate call
// block inline) before issuing headers.
func New(homepageURL string, ttl time.Duration, fetcher Fetcher, logger *slog.Logger) *Generator {
	return &Generator{
		homepageURL: homepageURL,
		ttl:         ttl,
		fetcher:     fetcher,
		logger:      logger,
		readyCh:     make(chan struct{}),
	}
}

// EnsureReady triggers the initial homepage scrape exactly once and returns
// immediately; callers that need material before continuing use WaitReady.
func (g *Generator) EnsureReady(ctx context.Context) {
	g.initOnce.Do(func() {
		go func() {
			if err := g.refresh(ctx); err != nil {
				g.logger.Warn("txn token initial refresh failed", "error", err)
				return
			}
			close(g.readyCh)
		}()
	})
}

// WaitReady blocks until material is available or timeout elapses, then
// reports whether it became ready in time. Callers that time out fall back
// to an inline refresh (spec §4.10 degraded path) via Generate itself.
func (g *Generator) WaitReady(ctx context.Context, timeout time.Duration) bool {
	g.EnsureReady(ctx)
	select {
	case <-g.readyCh:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (g *Generator) refresh(ctx context.Context) error {
	body, cookies, err := g.fetcher.Fetch(ctx, g.homepageURL)
	if err != nil {
		return fmt.Errorf("fetching homepage: %w", err)
	}

	scriptRef, err := findOnDemandScript(body)
	if err != nil {
		return fmt.Errorf("locating on-demand script: %w", err)
	}

	seed := sha256.Sum256([]byte(scriptRef))

	g.mu.Lock()
	g.current = &material{seed: seed[:], cookies: cookies, refreshed: time.Now()}
	g.mu.Unlock()
	return nil
}

// findOnDemandScript walks the homepage DOM for a <script> tag referencing
// the on-demand animation bundle the transaction-token derivation keys off
// of (spec §4.10). Returns an error if none is found so refresh can
// propagate a clear cause.
func findOnDemandScript(body []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("parsing homepage HTML: %w", err)
	}

	var found string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "script" {
			for _, attr := range n.Attr {
				if attr.Key == "src" && strings.Contains(attr.Val, "ondemand") {
					found = attr.Val
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
			if found != "" {
				return
			}
		}
	}
	walk(doc)

	if found == "" {
		return "", fmt.Errorf("no on-demand script reference found in homepage")
	}
	return found, nil
}

// staleMaterial reports whether current homepage material has outlived TTL.
func (g *Generator) staleMaterial() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current == nil || time.Since(g.current.refreshed) > g.ttl
}

// Generate derives the transaction-token header for a method+path pair. If
// material has never been fetched or has gone stale, it refreshes inline
// rather than serving a request with a broken header (spec §4.10 fallback).
func (g *Generator) Generate(ctx context.Context, method, path string) (string, error) {
	if g.staleMaterial() {
		if err := g.refresh(ctx); err != nil {
			return "", err
		}
	}

	g.mu.RLock()
	seed := g.current.seed
	g.mu.RUnlock()

	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(method))
	h.Write([]byte(path))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// Cookies returns the homepage-session cookies captured during the last
// refresh, shared with guest-credential minting so both use the same
// Cloudflare clearance (spec §4.10/§4.6).
func (g *Generator) Cookies() []*http.Cookie {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return nil
	}
	return g.current.cookies
}
