// Package egress selects the network identity (direct or one of N
// configured proxies) a request goes out on (spec §2 #1, §4.9). Session
// pooling buckets strictly by the Identity this package hands out, so two
// requests sharing an Identity always share a session bucket and never leak
// cookies across proxies.
//
// Grounded on original_source/scraper/src/proxy_manager.py's ProxyManager:
// same health-score formula (successes / (successes+failures)), same
// round_robin/random/health rotation modes, reworked around a mutex instead
// of Python's threading.Lock.
package egress

import (
	"math/rand"
	"sync"
)

// Identity is an opaque egress handle. The zero value is the direct
// (no-proxy) identity.
type Identity struct {
	// Label is a stable key for bucketing session pools; "" means direct.
	Label string
	// ProxyURL is empty for the direct identity.
	ProxyURL string
}

// IsDirect reports whether this identity bypasses proxying.
func (id Identity) IsDirect() bool {
	return id.ProxyURL == ""
}

type entry struct {
	identity  Identity
	failures  int
	successes int
}

func (e *entry) healthScore() float64 {
	total := e.successes + e.failures
	if total == 0 {
		return 1.0
	}
	return float64(e.successes) / float64(total)
}

// Rotation selects how Selector.Next walks the pool.
type Rotation string

const (
	RotationRoundRobin Rotation = "round_robin"
	RotationRandom     Rotation = "random"
	RotationHealth     Rotation = "health"
)

// Selector hands out egress identities from a configured pool plus the
// implicit direct identity.
type Selector struct {
	mu       sync.Mutex
	entries  []*entry
	index    int
	rotation Rotation
}

// New builds a selector over proxyURLs (each becomes one Identity) plus the
// implicit direct identity. rotation controls Next's selection strategy.
func New(proxyURLs []string, rotation Rotation) *Selector {
	entries := make([]*entry, 0, len(proxyURLs)+1)
	entries = append(entries, &entry{identity: Identity{}})
	for i, p := range proxyURLs {
		entries = append(entries, &entry{identity: Identity{Label: labelFor(i), ProxyURL: p}})
	}
	if rotation == "" {
		rotation = RotationRandom
	}
	return &Selector{entries: entries, rotation: rotation}
}

func labelFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "proxy-" + string(letters[i%len(letters)])
}

// Identities returns every configured identity, direct first.
func (s *Selector) Identities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.identity
	}
	return out
}

// Next returns the next identity per the selector's rotation policy.
func (s *Selector) Next() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 1 {
		return s.entries[0].identity
	}

	switch s.rotation {
	case RotationRoundRobin:
		e := s.entries[s.index%len(s.entries)]
		s.index++
		return e.identity
	case RotationHealth:
		return s.healthiestLocked().identity
	default:
		return s.entries[rand.Intn(len(s.entries))].identity
	}
}

// healthiestLocked picks from the top third by health score, with some
// randomness among that subset — matches the original's "top_n" sampling
// instead of always picking the single best (avoids hammering one proxy).
func (s *Selector) healthiestLocked() *entry {
	sorted := make([]*entry, len(s.entries))
	copy(sorted, s.entries)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].healthScore() > sorted[j-1].healthScore(); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	topN := len(sorted) / 3
	if topN < 1 {
		topN = 1
	}
	return sorted[rand.Intn(topN)]
}

// ReportResult feeds back a request outcome for an identity, updating its
// health score for future RotationHealth selections.
func (s *Selector) ReportResult(id Identity, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.identity == id {
			if success {
				e.successes++
			} else {
				e.failures++
			}
			return
		}
	}
}
