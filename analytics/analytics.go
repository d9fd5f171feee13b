// Package analytics implements the buffered batch sink the cache manager
// emits to on every live/SWR build (spec §4.11): two ring-shaped buffers —
// one for record rows, one for search-query-log rows — flushed on a timer
// to a columnar store. Analytics are best-effort everywhere (spec §7): a
// flush failure is logged and the batch is dropped, never retried, and the
// reply path never waits on a flush.
//
// Grounded directly on original_source/api/src/cache/clickhouse_writer.py's
// ClickHouseWriter: the same connect-verify-with-SELECT-1 bootstrap, the
// same swap-buffer-under-lock-then-insert flush shape, and the same
// "log and drop" error policy, re-expressed with clickhouse-go/v2's native
// Go driver instead of clickhouse-connect's HTTP client.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/corvid-labs/feedcache/telemetry"
)

// RecordRow is one denormalised record event, shaped after the teacher's
// flush_tweets column list.
type RecordRow struct {
	ID             string
	AuthorID       string
	AuthorUsername string
	Text           string
	LikeCount      int64
	RetweetCount   int64
	ReplyCount     int64
	QuoteCount     int64
	ViewCount      int64
	BookmarkCount  int64
	IsReply        bool
	IsRetweet      bool
	IsQuote        bool
	Language       string
}

// SearchQueryRow is one search-query-log event (spec §6.3).
type SearchQueryRow struct {
	Query          string
	Product        string
	ResultCount    int
	CacheHit       bool
	ResponseTimeMs float64
}

// conn is the slice of the clickhouse driver Sink relies on, narrowed so
// tests can stub it out.
type conn interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...interface{}) error
	AsyncInsert(ctx context.Context, query string, wait bool, args ...interface{}) error
	Close() error
}

// Sink buffers record and search-query events and flushes both on a timer.
// Construct with New and call Close once at shutdown.
type Sink struct {
	client conn
	logger *slog.Logger

	flushInterval time.Duration

	mu            sync.Mutex
	records       []RecordRow
	searchQueries []SearchQueryRow

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Options configures the sink's connection and flush cadence.
type Options struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	ConnectTimeout  time.Duration
	FlushInterval   time.Duration
	BootstrapSQLTxt string // semicolon-separated init script body, optional
}

// Connect dials ClickHouse, verifies it with "SELECT 1" (matching the
// teacher's own liveness check), optionally bootstraps schema, and starts
// the background flush loop. A connection failure is not fatal to the
// caller — it returns a nil *Sink and the error, and callers should treat a
// nil sink as "analytics unavailable" and carry on (spec §7).
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Sink, error) {
	client, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", opts.Host, opts.Port)},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}

	if opts.BootstrapSQLTxt != "" {
		if err := bootstrap(ctx, client, opts.BootstrapSQLTxt); err != nil {
			logger.Warn("analytics schema bootstrap failed", "error", err)
		}
	}

	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := newSink(client, interval, logger)
	go s.flushLoop()
	return s, nil
}

func newSink(client conn, flushInterval time.Duration, logger *slog.Logger) *Sink {
	return &Sink{
		client:        client,
		logger:        logger,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// bootstrap executes a semicolon-separated initialisation script (spec
// §6.3/§6.5 ANALYTICS_BOOTSTRAP/ANALYTICS_INIT_SQL_PATH). Idempotent only
// insofar as the script itself uses CREATE TABLE IF NOT EXISTS.
func bootstrap(ctx context.Context, client conn, script string) error {
	for _, stmt := range splitStatements(script) {
		if stmt == "" {
			continue
		}
		if err := client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing bootstrap statement: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	start := 0
	for i, r := range script {
		if r == ';' {
			out = append(out, trimSpace(script[start:i]))
			start = i + 1
		}
	}
	if start < len(script) {
		out = append(out, trimSpace(script[start:]))
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// BufferRecords appends record rows to the write buffer. A no-op on a nil
// Sink (analytics unavailable, spec §7).
func (s *Sink) BufferRecords(rows []RecordRow) {
	if s == nil || len(rows) == 0 {
		return
	}
	s.mu.Lock()
	s.records = append(s.records, rows...)
	s.mu.Unlock()
}

// BufferSearchQuery appends a single search-query-log row.
func (s *Sink) BufferSearchQuery(row SearchQueryRow) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.searchQueries = append(s.searchQueries, row)
	s.mu.Unlock()
}

func (s *Sink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(context.Background())
		}
	}
}

// flush snapshots and clears both buffers under the lock, then inserts each
// batch outside the lock so a slow insert never blocks BufferRecords
// callers (spec §4.11).
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	records := s.records
	s.records = nil
	queries := s.searchQueries
	s.searchQueries = nil
	s.mu.Unlock()

	if len(records) > 0 {
		if err := s.insertRecords(ctx, records); err != nil {
			s.logger.Warn("analytics record flush failed, batch dropped", "count", len(records), "error", err)
			telemetry.AnalyticsDroppedBatchesTotal.WithLabelValues("records").Inc()
		}
	}
	if len(queries) > 0 {
		if err := s.insertSearchQueries(ctx, queries); err != nil {
			s.logger.Warn("analytics search-query flush failed, batch dropped", "count", len(queries), "error", err)
			telemetry.AnalyticsDroppedBatchesTotal.WithLabelValues("search_queries").Inc()
		}
	}
}

func (s *Sink) insertRecords(ctx context.Context, rows []RecordRow) error {
	const q = `INSERT INTO records (id, author_id, author_username, text, like_count, retweet_count, reply_count, quote_count, view_count, bookmark_count, is_reply, is_retweet, is_quote, language) VALUES`
	for _, r := range rows {
		if err := s.client.AsyncInsert(ctx, q, false,
			r.ID, r.AuthorID, r.AuthorUsername, r.Text, r.LikeCount, r.RetweetCount,
			r.ReplyCount, r.QuoteCount, r.ViewCount, r.BookmarkCount,
			r.IsReply, r.IsRetweet, r.IsQuote, r.Language,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) insertSearchQueries(ctx context.Context, rows []SearchQueryRow) error {
	const q = `INSERT INTO search_queries (query, product, result_count, cache_hit, response_time_ms) VALUES`
	for _, r := range rows {
		if err := s.client.AsyncInsert(ctx, q, false,
			r.Query, r.Product, r.ResultCount, r.CacheHit, r.ResponseTimeMs,
		); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the flush loop and performs exactly one final drain (spec
// §8 boundary behaviour); subsequent Buffer* calls on a closed Sink are
// silently dropped because nothing ever flushes them again.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	_ = s.client.Close()
}
