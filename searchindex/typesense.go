// Package searchindex implements L2 (spec §4.4): a Typesense-compatible
// REST search index consulted only for uncursored first-page search
// requests. L2 never stores the full record — only the fields needed to
// rank a query — so a search hit still requires hydrating each matched ID
// out of L1 (falling back to upstream for any ID L1 has evicted); spec §4.5
// only trusts the L2 path when that hydration covers at least 80% of the
// hits.
//
// Grounded on original_source/api/src/cache/typesense_cache.go: same
// collection schema, same connect/ensure-collection/import/search shape,
// re-expressed as a synchronous Go http.Client instead of httpx.AsyncClient.
package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Document is the indexed projection of a domain record (spec §4.4). Only
// the fields a query can filter, sort, or rank by are carried — the
// authoritative record always lives in L1/upstream.
type Document struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	AuthorUsername string `json:"author_username"`
	AuthorName     string `json:"author_name"`
	AuthorID       string `json:"author_id"`
	CreatedAtTS    int64  `json:"created_at_ts"`
	LikeCount      int32  `json:"like_count"`
	RetweetCount   int32  `json:"retweet_count"`
	ViewCount      int64  `json:"view_count"`
	Language       string `json:"language"`
	IsReply        bool   `json:"is_reply"`
	IsRetweet      bool   `json:"is_retweet"`
	IsQuote        bool   `json:"is_quote"`
}

var collectionSchema = map[string]interface{}{
	"name": "records",
	"fields": []map[string]interface{}{
		{"name": "id", "type": "string"},
		{"name": "text", "type": "string"},
		{"name": "author_username", "type": "string", "facet": true},
		{"name": "author_name", "type": "string"},
		{"name": "author_id", "type": "string", "facet": true},
		{"name": "created_at_ts", "type": "int64", "sort": true},
		{"name": "like_count", "type": "int32", "sort": true},
		{"name": "retweet_count", "type": "int32", "sort": true},
		{"name": "view_count", "type": "int64", "sort": true},
		{"name": "language", "type": "string", "facet": true},
		{"name": "is_reply", "type": "bool"},
		{"name": "is_retweet", "type": "bool"},
		{"name": "is_quote", "type": "bool"},
	},
	"token_separators": []string{"@", "#"},
}

// Index is an L2 client. Available reports false whenever L2 is disabled,
// unreachable, or misconfigured — every caller degrades to treating L2 as a
// miss rather than failing the request (spec §4.4/§7).
type Index struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
	available  bool
}

// Options configures the index client construction.
type Options struct {
	Enabled  bool
	Protocol string
	Host     string
	Port     int
	APIKey   string
	Timeout  time.Duration
}

// New connects to L2 and ensures the "records" collection exists. A
// connection failure leaves Available() false rather than returning an
// error — L2 is an optional acceleration layer (spec §4.4 NON-GOALS).
func New(ctx context.Context, opts Options, logger *slog.Logger) *Index {
	idx := &Index{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    fmt.Sprintf("%s://%s:%d", opts.Protocol, opts.Host, opts.Port),
		apiKey:     opts.APIKey,
		logger:     logger,
	}

	if !opts.Enabled || opts.Host == "" {
		logger.Info("L2 search index disabled")
		return idx
	}

	if err := idx.healthCheck(ctx); err != nil {
		logger.Warn("L2 unavailable at startup", "error", err)
		return idx
	}

	if err := idx.ensureCollection(ctx); err != nil {
		logger.Warn("L2 collection bootstrap failed", "error", err)
		return idx
	}

	idx.available = true
	return idx
}

// Available reports whether L2 may be consulted.
func (idx *Index) Available() bool {
	return idx.available
}

func (idx *Index) doRequest(ctx context.Context, method, path string, query map[string]string, body []byte, contentType string) (*http.Response, error) {
	url := idx.baseURL + path
	if len(query) > 0 {
		q := make([]string, 0, len(query))
		for k, v := range query {
			q = append(q, k+"="+v)
		}
		url += "?" + strings.Join(q, "&")
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-TYPESENSE-API-KEY", idx.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return idx.httpClient.Do(req)
}

func (idx *Index) healthCheck(ctx context.Context) error {
	resp, err := idx.doRequest(ctx, http.MethodGet, "/health", nil, nil, "")
	if err != nil {
		return fmt.Errorf("L2 health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("L2 health check returned %d", resp.StatusCode)
	}
	return nil
}

func (idx *Index) ensureCollection(ctx context.Context) error {
	resp, err := idx.doRequest(ctx, http.MethodGet, "/collections/records", nil, nil, "")
	if err != nil {
		return fmt.Errorf("L2 collection lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	schema, err := json.Marshal(collectionSchema)
	if err != nil {
		return err
	}
	createResp, err := idx.doRequest(ctx, http.MethodPost, "/collections", nil, schema, "application/json")
	if err != nil {
		return fmt.Errorf("L2 collection create: %w", err)
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK && createResp.StatusCode != http.StatusCreated {
		return fmt.Errorf("L2 collection create returned %d", createResp.StatusCode)
	}
	idx.logger.Info("L2 'records' collection created")
	return nil
}

// IndexDocuments upserts docs via Typesense's JSONL import endpoint. A
// failure is logged and swallowed (spec §4.5.3 write-through to L2 must
// never fail the response the caller is already serving).
func (idx *Index) IndexDocuments(ctx context.Context, docs []Document) {
	if !idx.available || len(docs) == 0 {
		return
	}

	lines := make([]string, 0, len(docs))
	for _, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			idx.logger.Warn("L2 document marshal failed", "id", d.ID, "error", err)
			continue
		}
		lines = append(lines, string(b))
	}
	body := []byte(strings.Join(lines, "\n"))

	resp, err := idx.doRequest(ctx, http.MethodPost, "/collections/records/documents/import",
		map[string]string{"action": "upsert"}, body, "text/plain")
	if err != nil {
		idx.logger.Warn("L2 index request failed", "error", err)
		return
	}
	defer resp.Body.Close()
}

type searchResponse struct {
	Hits []struct {
		Document Document `json:"document"`
	} `json:"hits"`
}

// Search runs a text query and returns matched IDs ranked by relevance,
// text match first then engagement (spec §4.4). Any failure — network,
// non-200, malformed body — returns a nil slice, which callers treat as an
// L2 miss and fall through to upstream.
func (idx *Index) Search(ctx context.Context, query string, limit int) []string {
	if !idx.available {
		return nil
	}

	resp, err := idx.doRequest(ctx, http.MethodGet, "/collections/records/documents/search", map[string]string{
		"q":        query,
		"query_by": "text,author_username,author_name",
		"sort_by":  "_text_match:desc,like_count:desc",
		"per_page": strconv.Itoa(limit),
	}, nil, "")
	if err != nil {
		idx.logger.Warn("L2 search request failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		idx.logger.Warn("L2 search response decode failed", "error", err)
		return nil
	}

	ids := make([]string, 0, len(parsed.Hits))
	for _, hit := range parsed.Hits {
		ids = append(ids, hit.Document.ID)
	}
	return ids
}
