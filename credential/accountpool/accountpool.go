// Package accountpool manages operator-supplied account credentials (spec
// §4.7): round-robin rotation over a fixed list, skipping any account still
// in its rate-limit cooldown, each account pinned to one proxy IP so
// upstream cannot correlate two accounts as coming from the same caller.
//
// Directly grounded on original_source/scraper/src/account_pool.py's
// AccountPool: same cooldown durations (429 -> 15m, 403 -> 1h), same
// round-robin-skip-unavailable acquire loop, same JSON account-file shape —
// reworked around a sync.Mutex instead of threading.Lock.
package accountpool

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/corvid-labs/feedcache/egress"
	"github.com/corvid-labs/feedcache/ferrors"
	"github.com/corvid-labs/feedcache/telemetry"
)

// Account is one operator-supplied, authenticated session.
type Account struct {
	AuthToken        string `json:"auth_token"`
	CT0              string `json:"ct0"`
	Label            string `json:"label"`
	Proxy            string `json:"proxy"`
	requestCount     int
	failures         int
	rateLimitedUntil time.Time
}

// Identity returns the egress identity this account is pinned to.
func (a *Account) Identity() egress.Identity {
	if a.Proxy == "" {
		return egress.Identity{}
	}
	return egress.Identity{Label: a.Label, ProxyURL: a.Proxy}
}

func (a *Account) isAvailable(now time.Time) bool {
	return now.After(a.rateLimitedUntil)
}

const (
	rateLimitCooldown = 15 * time.Minute
	forbiddenCooldown = time.Hour
)

// Pool is a thread-safe, round-robin rotation over a fixed account list.
type Pool struct {
	mu       sync.Mutex
	accounts []*Account
	index    int
}

// accountFile is the on-disk JSON shape for ACCOUNTS_FILE/ACCOUNTS_JSON.
type accountFile struct {
	AuthToken string `json:"auth_token"`
	CT0       string `json:"ct0"`
	Label     string `json:"label"`
	Proxy     string `json:"proxy"`
}

// New builds a pool from an in-memory list (tests, or already-parsed
// config).
func New(accounts []*Account) *Pool {
	return &Pool{accounts: accounts}
}

// LoadFromFile reads accounts.json at path (spec §6.5 ACCOUNTS_FILE). A
// missing file yields an empty pool rather than an error — accounts are an
// optional escalation path (spec §4.7 NON-GOALS), not a hard requirement.
func LoadFromFile(path string) (*Pool, error) {
	if path == "" {
		return New(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("reading accounts file %q: %w", path, err)
	}
	return parseAccounts(data)
}

// LoadFromJSON parses an inline ACCOUNTS_JSON value.
func LoadFromJSON(raw string) (*Pool, error) {
	if raw == "" {
		return New(nil), nil
	}
	return parseAccounts([]byte(raw))
}

func parseAccounts(data []byte) (*Pool, error) {
	var entries []accountFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing accounts: %w", err)
	}

	accounts := make([]*Account, 0, len(entries))
	for i, e := range entries {
		label := e.Label
		if label == "" {
			label = fmt.Sprintf("account-%d", i+1)
		}
		accounts = append(accounts, &Account{
			AuthToken: e.AuthToken,
			CT0:       e.CT0,
			Label:     label,
			Proxy:     e.Proxy,
		})
	}
	return New(accounts), nil
}

// HasAccounts reports whether any accounts are configured.
func (p *Pool) HasAccounts() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts) > 0
}

// Count returns the total number of configured accounts.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// AvailableCount returns how many accounts are not currently in cooldown.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	n := 0
	for _, a := range p.accounts {
		if a.isAvailable(now) {
			n++
		}
	}
	return n
}

// Acquire returns the next available account round-robin, skipping any in
// cooldown. Returns CredentialsExhaustedError if every account is either
// absent or rate-limited.
func (p *Pool) Acquire() (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.accounts) == 0 {
		return nil, &ferrors.CredentialsExhaustedError{}
	}

	now := time.Now()
	for i := 0; i < len(p.accounts); i++ {
		a := p.accounts[p.index%len(p.accounts)]
		p.index++
		if a.isAvailable(now) {
			return a, nil
		}
	}
	return nil, &ferrors.CredentialsExhaustedError{}
}

// Release returns an account after use, applying the cooldown appropriate
// to statusCode (spec §4.7: 429 -> 15m, 403 -> 1h).
func (p *Pool) Release(a *Account, success bool, statusCode int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a.requestCount++
	if success {
		a.failures = 0
		return
	}

	a.failures++
	switch statusCode {
	case 429:
		a.rateLimitedUntil = time.Now().Add(rateLimitCooldown)
	case 403:
		a.rateLimitedUntil = time.Now().Add(forbiddenCooldown)
	}

	telemetry.AccountCooldownsActive.Set(float64(p.cooldownCountLocked()))
}

// cooldownCountLocked counts accounts currently in cooldown. Callers must
// hold p.mu.
func (p *Pool) cooldownCountLocked() int {
	now := time.Now()
	n := 0
	for _, a := range p.accounts {
		if !a.isAvailable(now) {
			n++
		}
	}
	return n
}
