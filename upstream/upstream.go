// Package upstream assembles and issues the live request a cache miss
// falls through to (spec §4.8): resolves an egress identity, a credential
// (guest or account), and a warm session, stamps the request with the
// credential's headers/cookies plus the current transaction-token header,
// executes it, and classifies the response into the ferrors taxonomy so
// the caller's pool-release decision is mechanical.
//
// Header/cookie assembly is grounded on original_source/scraper/src/
// client.py's XClient._get_headers/_get_cookies — same bearer/guest-token/
// csrf-token/cf-cookie shape, minus the values that only make sense for a
// live curl-cffi session (sec-ch-ua etc. are left to the TLS client
// profile instead of being hand-set). Status classification is grounded on
// the same file's response.raise_for_status() call site: 429/403/5xx each
// get a distinct ferrors type instead of one generic HTTPError.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/corvid-labs/feedcache/credential/accountpool"
	"github.com/corvid-labs/feedcache/credential/guestpool"
	"github.com/corvid-labs/feedcache/egress"
	"github.com/corvid-labs/feedcache/ferrors"
	"github.com/corvid-labs/feedcache/sessionpool"
	"github.com/corvid-labs/feedcache/telemetry"
	"github.com/corvid-labs/feedcache/txntoken"
)

const bearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

// Request describes one logical fetch the cache manager wants satisfied.
type Request struct {
	Method     string
	Path       string
	Params     url.Values
	UseAccount bool // true for auth-gated endpoints (spec §4.7)
}

// Response is a successful upstream result.
type Response struct {
	Body       []byte
	StatusCode int
}

// Client issues live requests on behalf of the cache manager.
type Client struct {
	sessions *sessionpool.Pool
	selector *egress.Selector
	guests   *guestpool.Pool
	accounts *accountpool.Pool
	txnGen   *txntoken.Generator
	baseURL  string
}

// Options wires the pools a Client draws credentials and sessions from.
type Options struct {
	BaseURL  string
	Sessions *sessionpool.Pool
	Selector *egress.Selector
	Guests   *guestpool.Pool
	Accounts *accountpool.Pool
	TxnGen   *txntoken.Generator
}

// New builds a Client from already-constructed pools.
func New(opts Options) *Client {
	return &Client{
		sessions: opts.Sessions,
		selector: opts.Selector,
		guests:   opts.Guests,
		accounts: opts.Accounts,
		txnGen:   opts.TxnGen,
		baseURL:  opts.BaseURL,
	}
}

// leasedCredential is whichever credential kind Do actually acquired, kept
// opaque to the caller so release logic stays in one place.
type leasedCredential struct {
	guest   *guestpool.Credential
	account *accountpool.Account
}

func (c *Client) acquireCredential(req Request) (leasedCredential, egress.Identity, error) {
	if req.UseAccount && c.accounts != nil && c.accounts.HasAccounts() {
		acc, err := c.accounts.Acquire()
		if err != nil {
			return leasedCredential{}, egress.Identity{}, err
		}
		return leasedCredential{account: acc}, acc.Identity(), nil
	}

	cred, err := c.guests.Acquire()
	if err != nil {
		return leasedCredential{}, egress.Identity{}, err
	}
	return leasedCredential{guest: cred}, cred.Identity, nil
}

func (c *Client) releaseCredential(lc leasedCredential, success bool, statusCode int) {
	switch {
	case lc.account != nil:
		c.accounts.Release(lc.account, success, statusCode)
	case lc.guest != nil:
		c.guests.Release(lc.guest, success)
	}
}

// Do executes req against upstream, resolving credential/egress/session and
// classifying any failure per spec §7. The credential and session are
// always released before returning, success or failure.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.do(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
	}
	telemetry.UpstreamRequestsTotal.WithLabelValues(outcome).Inc()
	telemetry.UpstreamRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	return resp, err
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	lc, identity, err := c.acquireCredential(req)
	if err != nil {
		return nil, err
	}

	session, err := c.sessions.Acquire(identity)
	if err != nil {
		c.releaseCredential(lc, false, 0)
		return nil, fmt.Errorf("acquiring session: %w", err)
	}
	defer c.sessions.Release(session)

	httpReq, err := c.buildRequest(ctx, req, lc)
	if err != nil {
		c.releaseCredential(lc, false, 0)
		return nil, err
	}

	resp, err := session.Client.Do(httpReq)
	if err != nil {
		c.releaseCredential(lc, false, 0)
		return nil, &ferrors.TransientUpstreamError{Status: 0, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.releaseCredential(lc, false, resp.StatusCode)
		return nil, &ferrors.TransientUpstreamError{Status: resp.StatusCode, Err: err}
	}

	if classified := classifyStatus(resp.StatusCode); classified != nil {
		c.releaseCredential(lc, false, resp.StatusCode)
		return nil, classified
	}

	c.releaseCredential(lc, true, resp.StatusCode)
	return &Response{Body: body, StatusCode: resp.StatusCode}, nil
}

// outcomeLabel maps a classified error to the telemetry outcome label (spec
// §7's taxonomy, flattened to the handful of values worth a metrics
// cardinality budget).
func outcomeLabel(err error) string {
	var rateLimited *ferrors.RateLimitedError
	var forbidden *ferrors.ForbiddenError
	var notFound *ferrors.NotFoundError
	var transient *ferrors.TransientUpstreamError

	switch {
	case errors.As(err, &rateLimited):
		return "rate_limited"
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &transient):
		return "transient"
	default:
		return "error"
	}
}

// classifyStatus maps a non-2xx upstream response into the error taxonomy
// (spec §7). Returns nil for 2xx.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &ferrors.RateLimitedError{Status: status}
	case status == http.StatusForbidden:
		return &ferrors.ForbiddenError{Status: status}
	case status == http.StatusNotFound:
		return &ferrors.NotFoundError{Resource: "unknown"}
	case status >= 500:
		return &ferrors.TransientUpstreamError{Status: status, Err: fmt.Errorf("server error")}
	default:
		return &ferrors.TransientUpstreamError{Status: status, Err: fmt.Errorf("unexpected status")}
	}
}

func (c *Client) buildRequest(ctx context.Context, req Request, lc leasedCredential) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + req.Path)
	if err != nil {
		return nil, fmt.Errorf("building request URL: %w", err)
	}
	if req.Params != nil {
		u.RawQuery = req.Params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), nil)
	if err != nil {
		return nil, err
	}

	applyHeaders(httpReq, lc)
	applyCookies(httpReq, lc)

	if c.txnGen != nil {
		token, err := c.txnGen.Generate(ctx, req.Method, req.Path)
		if err == nil {
			httpReq.Header.Set("x-client-transaction-id", token)
		}
	}

	return httpReq, nil
}

// applyHeaders stamps the bearer token and credential-specific auth headers.
// Accounts carry their own ct0 as the csrf header; guests carry both
// x-guest-token and the csrf token minted alongside it at mint time (spec
// §6.4; grounded on client.py's _get_headers).
func applyHeaders(req *http.Request, lc leasedCredential) {
	req.Header.Set("authorization", "Bearer "+bearerToken)
	req.Header.Set("x-twitter-active-user", "yes")
	req.Header.Set("x-twitter-client-language", "en")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "*/*")

	switch {
	case lc.account != nil:
		req.Header.Set("x-csrf-token", lc.account.CT0)
		req.Header.Set("cookie", fmt.Sprintf("auth_token=%s; ct0=%s", lc.account.AuthToken, lc.account.CT0))
	case lc.guest != nil:
		req.Header.Set("x-guest-token", lc.guest.Token)
		req.Header.Set("x-csrf-token", lc.guest.CsrfToken)
	}
}

// applyCookies attaches the cookie jar each credential kind needs. Accounts
// only need auth_token/ct0 (set as the "cookie" header above); guests need
// the full homepage cookie jar captured at mint time plus gt/ct0/guest_id
// (spec §6.4; grounded on client.py's _get_cookies).
func applyCookies(req *http.Request, lc leasedCredential) {
	if lc.guest == nil {
		return
	}

	for _, cookie := range lc.guest.SessionCookies {
		req.AddCookie(cookie)
	}
	req.AddCookie(&http.Cookie{Name: "gt", Value: lc.guest.Token})
	req.AddCookie(&http.Cookie{Name: "ct0", Value: lc.guest.CsrfToken})
	req.AddCookie(&http.Cookie{Name: "guest_id", Value: "v1%3A" + lc.guest.Token})
}
