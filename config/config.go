// Package config loads the single immutable configuration record the rest
// of the core is constructed from. Nothing outside this package reads an
// environment variable directly: every component receives the values it
// needs explicitly, at construction time.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every recognized option from the feedcache core (spec §6.5).
type Config struct {
	// L1 — record cache (Redis-compatible remote KV store).
	L1URL string `env:"L1_URL" envDefault:"redis://localhost:6379/0"`

	// L2 — search index (Typesense-compatible REST service).
	L2Enabled  bool   `env:"L2_ENABLED" envDefault:"true"`
	L2Host     string `env:"L2_HOST" envDefault:"localhost"`
	L2Port     int    `env:"L2_PORT" envDefault:"8108"`
	L2Protocol string `env:"L2_PROTOCOL" envDefault:"http"`
	L2APIKey   string `env:"L2_API_KEY"`

	// Analytics sink (ClickHouse-compatible columnar store).
	AnalyticsHost         string `env:"ANALYTICS_HOST"`
	AnalyticsPort         int    `env:"ANALYTICS_PORT" envDefault:"9000"`
	AnalyticsUser         string `env:"ANALYTICS_USER" envDefault:"default"`
	AnalyticsPassword     string `env:"ANALYTICS_PASSWORD"`
	AnalyticsDatabase     string `env:"ANALYTICS_DATABASE" envDefault:"feedcache"`
	AnalyticsBootstrap    bool   `env:"ANALYTICS_BOOTSTRAP" envDefault:"false"`
	AnalyticsInitSQLPath  string `env:"ANALYTICS_INIT_SQL_PATH"`

	// Connect timeout shared by L1/L2/analytics (spec §4.3/§6.5).
	CacheConnectTimeout time.Duration `env:"CACHE_CONNECT_TIMEOUT" envDefault:"3s"`

	// Per-kind L1 TTLs (spec §4.5.4).
	TTLSearch      time.Duration `env:"TTL_SEARCH" envDefault:"60s"`
	TTLTweet       time.Duration `env:"TTL_TWEET" envDefault:"1800s"`
	TTLTweetDetail time.Duration `env:"TTL_TWEET_DETAIL" envDefault:"300s"`
	TTLProfile     time.Duration `env:"TTL_PROFILE" envDefault:"60s"`
	TTLUserTweets  time.Duration `env:"TTL_USER_TWEETS" envDefault:"120s"`
	TTLSocial      time.Duration `env:"TTL_SOCIAL" envDefault:"120s"`

	SWRThreshold     time.Duration `env:"SWR_THRESHOLD" envDefault:"30s"`
	CHFlushInterval  time.Duration `env:"CH_FLUSH_INTERVAL" envDefault:"5s"`

	// Cross-process coalescer (spec §4.2) — optional, disabled by default.
	CrossProcessLockEnabled bool          `env:"COALESCE_ENABLED" envDefault:"false"`
	CoalesceLockTTL         time.Duration `env:"COALESCE_LOCK_TTL" envDefault:"10s"`
	CoalesceWaitTimeout     time.Duration `env:"COALESCE_WAIT_TIMEOUT" envDefault:"8s"`
	CoalesceWaitInterval    time.Duration `env:"COALESCE_WAIT_INTERVAL" envDefault:"100ms"`

	// Session pool (spec §4.9).
	SessionPoolSize int `env:"SESSION_POOL_SIZE" envDefault:"8"`

	// Egress (spec §2 #1).
	ProxyList     []string `env:"PROXY_LIST" envSeparator:","`
	ProxyURL      string   `env:"PROXY_URL"`
	ProxyRotation string   `env:"PROXY_ROTATION" envDefault:"round_robin"`

	// Accounts (spec §4.7).
	AccountsJSON          string `env:"ACCOUNTS_JSON"`
	AccountsFile          string `env:"ACCOUNTS_FILE"`
	MaxSessionsPerAccount int    `env:"MAX_SESSIONS_PER_ACCOUNT" envDefault:"2"`

	// Guest credential pool (spec §4.6).
	GuestTTL           time.Duration `env:"GUEST_TTL" envDefault:"2h"`
	GuestMaxRequests   int           `env:"GUEST_MAX_REQUESTS" envDefault:"100"`
	GuestPoolTarget    int           `env:"GUEST_POOL_TARGET" envDefault:"20"`
	GuestPoolMin       int           `env:"GUEST_POOL_MIN" envDefault:"5"`
	GuestMinterWorkers int           `env:"GUEST_MINTER_WORKERS" envDefault:"4"`
	GuestMintRateRPS   float64       `env:"GUEST_MINT_RATE_RPS" envDefault:"2"`

	// Transaction-token generator (spec §4.10).
	TxnTTL time.Duration `env:"TXN_TTL" envDefault:"2h"`

	// Upstream HTTP client (spec §5).
	UpstreamConnectTimeout time.Duration `env:"UPSTREAM_CONNECT_TIMEOUT" envDefault:"5s"`
	UpstreamReadTimeout    time.Duration `env:"UPSTREAM_READ_TIMEOUT" envDefault:"12s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment. A lone PROXY_URL (spec
// §6.5 — "single proxy URL for testing", per the original's
// proxy_manager.py from_env) is folded into ProxyList so callers only ever
// need to look at one slice of egress identities.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.ProxyURL != "" {
		cfg.ProxyList = append(cfg.ProxyList, cfg.ProxyURL)
	}
	return cfg, nil
}
