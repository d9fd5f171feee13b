// Package sessionpool keeps warm TLS-fingerprinted client handles, bucketed
// strictly by egress identity (spec §4.9) — a session acquired for proxy-a
// is never handed to a request going out through proxy-b or direct, because
// cookies and TLS session tickets are tied to the network path they were
// established on.
//
// Each bucket is bounded and evicts least-recently-used the way the
// teacher's cache-manager/cache.go L1Cache does (container/list + map for
// O(1) move-to-front and eviction); here the evicted payload is a live
// *tls_client.HttpClient instead of a cache value.
package sessionpool

import (
	"container/list"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	tlsclient "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"github.com/corvid-labs/feedcache/egress"
)

// Client is the slice of tlsclient.HttpClient the pool actually relies on.
// Kept narrow and local so tests can stub it out instead of constructing a
// real TLS-fingerprinted client per case.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
	SetCookies(u *url.URL, cookies []*http.Cookie)
}

// Session is a warm, reusable client handle pinned to one egress identity.
type Session struct {
	Identity egress.Identity
	Client   Client

	element *list.Element
}

type bucket struct {
	mu       sync.Mutex
	sessions *list.List // of *Session, most-recently-used at front
	inUse    map[*Session]bool
	maxSize  int
}

func newBucket(maxSize int) *bucket {
	return &bucket{
		sessions: list.New(),
		inUse:    make(map[*Session]bool),
		maxSize:  maxSize,
	}
}

// ClientFactory constructs the warm client for a fresh session.
type ClientFactory func(id egress.Identity) (Client, error)

// Pool hands out warm sessions bucketed by egress.Identity.
type Pool struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxSize int
	factory ClientFactory
}

// New builds an empty pool backed by real TLS-fingerprinted clients.
// maxSize bounds the number of warm handles kept per egress identity (spec
// §6.5 SESSION_POOL_SIZE).
func New(maxSize int) *Pool {
	return NewWithFactory(maxSize, newClient)
}

// NewWithFactory builds a pool using a caller-supplied client factory —
// production wiring always uses New; tests substitute a stub factory so
// they never dial a real TLS-fingerprinted client.
func NewWithFactory(maxSize int, factory ClientFactory) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{buckets: make(map[string]*bucket), maxSize: maxSize, factory: factory}
}

func bucketKey(id egress.Identity) string {
	if id.IsDirect() {
		return "direct"
	}
	return id.Label
}

func (p *Pool) bucketFor(id egress.Identity) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := bucketKey(id)
	b, ok := p.buckets[key]
	if !ok {
		b = newBucket(p.maxSize)
		p.buckets[key] = b
	}
	return b
}

// Acquire returns a warm session for identity, reusing an idle one if the
// bucket has one, otherwise constructing a fresh TLS client. Cookies are
// always cleared before handing a session back out (spec §4.9) so no
// leftover state from a prior caller leaks into this request.
func (p *Pool) Acquire(id egress.Identity) (*Session, error) {
	b := p.bucketFor(id)

	b.mu.Lock()
	for e := b.sessions.Front(); e != nil; e = e.Next() {
		s := e.Value.(*Session)
		if !b.inUse[s] {
			b.inUse[s] = true
			b.sessions.MoveToFront(e)
			b.mu.Unlock()
			clearCookies(s)
			return s, nil
		}
	}
	b.mu.Unlock()

	client, err := p.factory(id)
	if err != nil {
		return nil, fmt.Errorf("constructing session for %q: %w", bucketKey(id), err)
	}
	s := &Session{Identity: id, Client: client}

	b.mu.Lock()
	if b.sessions.Len() >= b.maxSize {
		evictOneIdleLocked(b)
	}
	s.element = b.sessions.PushFront(s)
	b.inUse[s] = true
	b.mu.Unlock()

	return s, nil
}

// evictOneIdleLocked drops the least-recently-used idle session to make
// room, matching evictLRUUnsafe's back-of-list eviction in the teacher's
// L1Cache. A bucket that is entirely in use simply grows past maxSize
// rather than evicting a session a caller is actively holding.
func evictOneIdleLocked(b *bucket) {
	for e := b.sessions.Back(); e != nil; e = e.Prev() {
		s := e.Value.(*Session)
		if !b.inUse[s] {
			b.sessions.Remove(e)
			delete(b.inUse, s)
			return
		}
	}
}

// Release returns a session to its bucket, marking it idle and available
// for reuse. Cookies are cleared again defensively (spec §4.9) — the
// caller may have set cookies during the request that must not survive.
func (p *Pool) Release(s *Session) {
	b := p.bucketFor(s.Identity)
	clearCookies(s)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inUse[s] = false
	if s.element != nil {
		b.sessions.MoveToFront(s.element)
	}
}

func clearCookies(s *Session) {
	s.Client.SetCookies(nil, nil)
}

func newClient(id egress.Identity) (Client, error) {
	opts := []tlsclient.HttpClientOption{
		tlsclient.WithClientProfile(profiles.Chrome_133),
		tlsclient.WithNotFollowRedirects(),
		tlsclient.WithCookieJar(tlsclient.NewCookieJar()),
	}
	if !id.IsDirect() {
		opts = append(opts, tlsclient.WithProxyUrl(id.ProxyURL))
	}

	client, err := tlsclient.NewHttpClient(tlsclient.NewNoopLogger(), opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// CloseAll drains every bucket, releasing each warm client's idle
// connections (spec §4.9 close_all). The pool is left empty but usable —
// a subsequent Acquire simply constructs a fresh client.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.buckets = make(map[string]*bucket)
	p.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		for e := b.sessions.Front(); e != nil; e = e.Next() {
			s := e.Value.(*Session)
			if closer, ok := s.Client.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
		}
		b.sessions.Init()
		b.inUse = make(map[*Session]bool)
		b.mu.Unlock()
	}
}

// Prewarm issues a cheap no-op HEAD request on a fresh session for each
// identity so the TLS handshake and any anti-bot challenge cookies are
// already resolved before the first real caller needs it (spec §4.9).
func (p *Pool) Prewarm(identities []egress.Identity, targetURL string) {
	for _, id := range identities {
		s, err := p.Acquire(id)
		if err != nil {
			continue
		}
		req, err := http.NewRequest(http.MethodHead, targetURL, nil)
		if err == nil {
			_, _ = s.Client.Do(req)
		}
		p.Release(s)
	}
}
