// Command feedcache wires the core's components into one process: load
// config, connect L1/L2/analytics, build the credential/session/txn-token
// substrate, and hand the assembled cachemanager.Manager to the (out of
// scope, spec §1) HTTP handler layer.
//
// Grounded on wisbric-nightowl's cmd/nightowl/main.go: flag parsing that
// overrides an env-loaded config, signal.NotifyContext for graceful
// shutdown, and a single Run function that owns every infrastructure
// connection's lifetime via defer.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/corvid-labs/feedcache/analytics"
	"github.com/corvid-labs/feedcache/cachemanager"
	"github.com/corvid-labs/feedcache/config"
	"github.com/corvid-labs/feedcache/credential/accountpool"
	"github.com/corvid-labs/feedcache/credential/guestpool"
	"github.com/corvid-labs/feedcache/crosslock"
	"github.com/corvid-labs/feedcache/egress"
	"github.com/corvid-labs/feedcache/recordcache"
	"github.com/corvid-labs/feedcache/searchindex"
	"github.com/corvid-labs/feedcache/sessionpool"
	"github.com/corvid-labs/feedcache/telemetry"
	"github.com/corvid-labs/feedcache/txntoken"
	"github.com/corvid-labs/feedcache/upstream"

	"github.com/prometheus/client_golang/prometheus"
)

const upstreamBaseURL = "https://x.com"
const upstreamHomepageURL = "https://x.com/"

// guestActivateURL and guestBearerToken are the fixed public values every
// guest session authenticates with, matching original_source/scraper/src/
// config.py's GUEST_TOKEN_URL/BEARER_TOKEN.
const guestActivateURL = "https://api.x.com/1.1/guest/activate.json"
const guestBearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

func main() {
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// run constructs every process-wide singleton spec §9 calls for — config,
// credential pool, session pool, transaction-token material, and the cache
// manager — exactly once, and tears them all down on return: flush
// analytics, release L1 connections, cancel the minter, close every
// session bucket.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	metricsReg := prometheus.NewRegistry()
	if err := telemetry.Register(metricsReg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	l1, err := recordcache.New(ctx, cfg.L1URL, cfg.CacheConnectTimeout, logger)
	if err != nil {
		logger.Warn("L1 unavailable at startup, every request will be a live build", "error", err)
	}

	var l2 *searchindex.Index
	if cfg.L2Enabled {
		l2 = searchindex.New(ctx, searchindex.Options{
			Enabled:  cfg.L2Enabled,
			Protocol: cfg.L2Protocol,
			Host:     cfg.L2Host,
			Port:     cfg.L2Port,
			APIKey:   cfg.L2APIKey,
			Timeout:  cfg.CacheConnectTimeout,
		}, logger)
	}

	var lock *crosslock.Lock
	if cfg.CrossProcessLockEnabled && l1 != nil {
		lock = crosslock.New(l1.Client())
	}

	var bootstrapSQL string
	if cfg.AnalyticsBootstrap && cfg.AnalyticsInitSQLPath != "" {
		data, err := os.ReadFile(cfg.AnalyticsInitSQLPath)
		if err != nil {
			logger.Warn("reading analytics bootstrap SQL failed, skipping schema bootstrap", "error", err)
		} else {
			bootstrapSQL = string(data)
		}
	}

	sink, err := analytics.Connect(ctx, analytics.Options{
		Host:            cfg.AnalyticsHost,
		Port:            cfg.AnalyticsPort,
		Username:        cfg.AnalyticsUser,
		Password:        cfg.AnalyticsPassword,
		Database:        cfg.AnalyticsDatabase,
		ConnectTimeout:  cfg.CacheConnectTimeout,
		FlushInterval:   cfg.CHFlushInterval,
		BootstrapSQLTxt: bootstrapSQL,
	}, logger)
	if err != nil {
		logger.Warn("analytics sink unavailable, events will be dropped", "error", err)
		sink = nil
	}
	defer sink.Close()

	selector := egress.New(cfg.ProxyList, egress.Rotation(cfg.ProxyRotation))

	sessions := sessionpool.New(cfg.SessionPoolSize)
	defer sessions.CloseAll()

	txnGen := txntoken.New(upstreamHomepageURL, cfg.TxnTTL, txntoken.HTTPFetcher{}, logger)
	txnGen.EnsureReady(ctx)

	accounts, err := loadAccounts(cfg)
	if err != nil {
		logger.Warn("loading accounts failed, falling back to guest-only mode", "error", err)
		accounts = accountpool.New(nil)
	}

	guests := guestpool.New(guestpool.Options{
		TTL:               cfg.GuestTTL,
		MaxRequests:       cfg.GuestMaxRequests,
		PoolTarget:        cfg.GuestPoolTarget,
		PoolMin:           cfg.GuestPoolMin,
		WorkerCount:       cfg.GuestMinterWorkers,
		RefillPeriod:      10 * time.Second,
		MintRatePerSecond: cfg.GuestMintRateRPS,
	}, newGuestMinter(sessions, txnGen, logger), selector, logger)
	defer guests.Close()

	upstreamClient := upstream.New(upstream.Options{
		BaseURL:  upstreamBaseURL,
		Sessions: sessions,
		Selector: selector,
		Guests:   guests,
		Accounts: accounts,
		TxnGen:   txnGen,
	})
	_ = upstreamClient // handed to route handlers in the (out-of-scope) HTTP layer

	manager := cachemanager.New(l1, l2, lock, cachemanager.Config{
		SWRThreshold:         cfg.SWRThreshold,
		TTLSearch:            cfg.TTLSearch,
		CrossProcessEnabled:  cfg.CrossProcessLockEnabled,
		CoalesceLockTTL:      cfg.CoalesceLockTTL,
		CoalesceWaitTimeout:  cfg.CoalesceWaitTimeout,
		CoalesceWaitInterval: cfg.CoalesceWaitInterval,
	}, logger)
	_ = manager // handed to route handlers in the (out-of-scope) HTTP layer

	logger.Info("feedcache core ready")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func loadAccounts(cfg *config.Config) (*accountpool.Pool, error) {
	if cfg.AccountsJSON != "" {
		return accountpool.LoadFromJSON(cfg.AccountsJSON)
	}
	return accountpool.LoadFromFile(cfg.AccountsFile)
}

// newGuestMinter returns a guestpool.Minter that mints one fresh guest
// credential per call, grounded on original_source/scraper/src/client.py's
// create_token_set/get_guest_token: acquire a session on the identity to
// mint, POST the bearer token to the guest-activation endpoint carrying
// whatever Cloudflare clearance cookies the transaction-token generator's
// homepage scrape captured (spec §4.6/§4.10 share the same clearance), and
// wrap the returned guest_token in a Credential keyed by a fresh uuid. The
// activation endpoint returns no csrf token, so one is self-generated the
// same way create_token_set does with secrets.token_hex(16); the homepage
// cookie jar used to authenticate the mint is kept on the credential too,
// since upstream calls need the same clearance cookies (spec §6.4).
func newGuestMinter(sessions *sessionpool.Pool, txnGen *txntoken.Generator, logger *slog.Logger) guestpool.Minter {
	return func(ctx context.Context, identity egress.Identity) (*guestpool.Credential, error) {
		session, err := sessions.Acquire(identity)
		if err != nil {
			return nil, fmt.Errorf("acquiring session for guest mint: %w", err)
		}
		defer sessions.Release(session)

		cookies := txnGen.Cookies()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, guestActivateURL, nil)
		if err != nil {
			return nil, fmt.Errorf("building guest activation request: %w", err)
		}
		req.Header.Set("authorization", "Bearer "+guestBearerToken)
		for _, cookie := range cookies {
			req.AddCookie(cookie)
		}

		resp, err := session.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("guest activation request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("guest activation returned status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading guest activation response: %w", err)
		}

		var activated struct {
			GuestToken string `json:"guest_token"`
		}
		if err := json.Unmarshal(body, &activated); err != nil {
			return nil, fmt.Errorf("parsing guest activation response: %w", err)
		}
		if activated.GuestToken == "" {
			return nil, fmt.Errorf("guest activation response carried no guest_token")
		}

		csrfToken, err := newCsrfToken()
		if err != nil {
			return nil, fmt.Errorf("generating guest csrf token: %w", err)
		}

		logger.Debug("minted guest credential", "identity", identity.Label)

		return &guestpool.Credential{
			ID:             strings.ReplaceAll(uuid.New().String(), "-", ""),
			Token:          activated.GuestToken,
			CsrfToken:      csrfToken,
			SessionCookies: cookies,
			Identity:       identity,
		}, nil
	}
}

// newCsrfToken self-generates a csrf token the way
// original_source/scraper/src/client.py's create_token_set does with
// secrets.token_hex(16) — the guest-activation endpoint doesn't return one.
func newCsrfToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
