// Package guestpool manages self-minted guest credentials (spec §4.6): a
// priority queue ordered by health score, refilled in the background by a
// small fixed worker pool, each credential pinned to a distinct egress
// identity so a banned guest token never gets resurrected on the same IP.
//
// The health-score formula is original_source/scraper/src/token_pool.go's
// TokenPool.return_token: base 1.0 (0.8 after a failed use), decayed by a
// fraction of elapsed lifetime, floored at 0.1 so a credential is never
// fully starved out of the pool. The background minter's fixed-worker,
// buffered-queue shape is adapted from the teacher's warming/worker_pool.go
// WorkerPool — same bounded-goroutines-pulling-from-a-channel structure,
// repurposed from warm-cache tasks to mint requests. Minting itself is
// throttled by a golang.org/x/time/rate limiter the same way the teacher's
// warming/service.go shapes its origin-fetch rate, so a deficit burst never
// hammers the guest-activation endpoint from one identity's quota.
package guestpool

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/corvid-labs/feedcache/egress"
	"github.com/corvid-labs/feedcache/ferrors"
	"github.com/corvid-labs/feedcache/telemetry"
)

// Credential is a self-minted guest token pinned to one egress identity
// (spec §3 Credential (Guest)). CsrfToken and SessionCookies are captured
// at mint time since the guest-activation endpoint itself returns neither:
// the csrf token is self-generated the way the original's create_token_set
// does, and the session cookies are the homepage cookie jar already
// fetched to authenticate the mint request.
type Credential struct {
	ID             string
	Token          string
	CsrfToken      string
	SessionCookies []*http.Cookie
	Identity       egress.Identity
	CreatedAt      time.Time
	Requests       int

	health float64
	index  int // heap.Interface bookkeeping
}

// Health returns the credential's current priority-queue score.
func (c *Credential) Health() float64 {
	return c.health
}

type credHeap []*Credential

func (h credHeap) Len() int            { return len(h) }
func (h credHeap) Less(i, j int) bool  { return h[i].health > h[j].health } // max-heap
func (h credHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *credHeap) Push(x interface{}) {
	c := x.(*Credential)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *credHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// Minter mints one fresh credential pinned to identity. Implemented by the
// txntoken/upstream layer — this package only manages the pool around it.
type Minter func(ctx context.Context, identity egress.Identity) (*Credential, error)

// Options configures pool sizing and lifetime (spec §6.5).
type Options struct {
	TTL          time.Duration
	MaxRequests  int
	PoolTarget   int
	PoolMin      int
	WorkerCount  int
	RefillPeriod time.Duration

	// MintRatePerSecond caps how fast the minter workers issue guest
	// activation requests, across all workers combined. Zero means
	// unlimited (tests construct pools this way).
	MintRatePerSecond float64
}

// Pool is the priority-queued guest credential store.
type Pool struct {
	mu       sync.Mutex
	heap     credHeap
	opts     Options
	mint     Minter
	selector *egress.Selector
	logger   *slog.Logger
	limiter  *rate.Limiter

	mintQueue chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds a pool and starts its background minter workers. Call Close to
// stop them.
func New(opts Options, mint Minter, selector *egress.Selector, logger *slog.Logger) *Pool {
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	if opts.RefillPeriod <= 0 {
		opts.RefillPeriod = 10 * time.Second
	}

	var limiter *rate.Limiter
	if opts.MintRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MintRatePerSecond), opts.WorkerCount)
	}

	p := &Pool{
		opts:      opts,
		mint:      mint,
		selector:  selector,
		logger:    logger,
		limiter:   limiter,
		mintQueue: make(chan struct{}, opts.PoolTarget+opts.WorkerCount),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < opts.WorkerCount; i++ {
		p.wg.Add(1)
		go p.runMinter()
	}
	p.wg.Add(1)
	go p.runRefillLoop()

	return p
}

// runMinter pulls mint requests off mintQueue and mints fresh credentials,
// mirroring WorkerPool.runWorker's select-on-stop-or-task loop.
func (p *Pool) runMinter() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.mintQueue:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					cancel()
					continue
				}
			}
			identity := p.selector.Next()
			cred, err := p.mint(ctx, identity)
			cancel()
			if err != nil {
				p.logger.Warn("guest credential mint failed", "error", err)
				continue
			}
			cred.health = 1.0
			cred.CreatedAt = time.Now()

			p.mu.Lock()
			heap.Push(&p.heap, cred)
			telemetry.GuestPoolSize.Set(float64(len(p.heap)))
			p.mu.Unlock()
		}
	}
}

// runRefillLoop periodically tops the pool up to PoolTarget.
func (p *Pool) runRefillLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.RefillPeriod)
	defer ticker.Stop()

	p.requestRefill()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.requestRefill()
		}
	}
}

func (p *Pool) requestRefill() {
	p.mu.Lock()
	deficit := p.opts.PoolTarget - len(p.heap)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		select {
		case p.mintQueue <- struct{}{}:
		default:
		}
	}
}

// Acquire pops the healthiest credential in the pool. If the pool is below
// PoolMin, it also requests an async top-up so the next caller doesn't
// starve.
func (p *Pool) Acquire() (*Credential, error) {
	p.mu.Lock()
	if len(p.heap) < p.opts.PoolMin {
		defer p.requestRefill()
	}
	if len(p.heap) == 0 {
		p.mu.Unlock()
		return nil, &ferrors.CredentialsExhaustedError{}
	}
	cred := heap.Pop(&p.heap).(*Credential)
	telemetry.GuestPoolSize.Set(float64(len(p.heap)))
	p.mu.Unlock()

	if time.Since(cred.CreatedAt) > p.opts.TTL {
		return p.Acquire() // expired while queued, retry with the next one
	}
	return cred, nil
}

// Release returns a credential to the pool with an updated health score, or
// discards it if it has exceeded its lifetime or request budget (spec
// §4.6).
func (p *Pool) Release(cred *Credential, success bool) {
	cred.Requests++
	age := time.Since(cred.CreatedAt)

	if age > p.opts.TTL || cred.Requests >= p.opts.MaxRequests {
		return
	}

	base := 1.0
	if !success {
		base = 0.8
	}
	agePenalty := 0.3 * float64(age) / float64(p.opts.TTL)
	cred.health = base - agePenalty
	if cred.health < 0.1 {
		cred.health = 0.1
	}

	p.mu.Lock()
	heap.Push(&p.heap, cred)
	telemetry.GuestPoolSize.Set(float64(len(p.heap)))
	p.mu.Unlock()
}

// Size reports the current pool length.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// Close stops the background minter and refill goroutines.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (c *Credential) String() string {
	return fmt.Sprintf("guest(%s, health=%.2f, requests=%d)", c.ID, c.health, c.Requests)
}
