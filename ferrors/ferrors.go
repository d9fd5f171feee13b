// Package ferrors defines the closed set of error kinds the core branches
// on (spec §7/§9): pool-release decisions look at kind, never at a
// formatted message.
package ferrors

import "fmt"

// TransientUpstreamError wraps a network timeout, 5xx, or reset from the
// upstream. Not retried by the core; the caller sees it, and the
// credential/session that produced it degrades on release.
type TransientUpstreamError struct {
	Status int
	Err    error
}

func (e *TransientUpstreamError) Error() string {
	return fmt.Sprintf("transient upstream error (status=%d): %v", e.Status, e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

// RateLimitedError means upstream returned 429. Account credentials enter a
// 15-minute cooldown; guest credentials are dropped from the pool.
type RateLimitedError struct {
	Status int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by upstream (status=%d)", e.Status)
}

// ForbiddenError means upstream returned 403. Account credentials enter a
// 60-minute cooldown; guest credentials are dropped.
type ForbiddenError struct {
	Status int
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden by upstream (status=%d)", e.Status)
}

// NotFoundError means upstream reported the record/user as unavailable.
// Surfaced as a 404-equivalent; never cached (no negative caching, spec §7).
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Resource)
}

// CacheUnavailableError means L1, L2, or the analytics sink is unreachable.
// Never fatal: the core degrades open around it.
type CacheUnavailableError struct {
	Layer string // "l1", "l2", "analytics"
	Err   error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("%s cache unavailable: %v", e.Layer, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

// CredentialsExhaustedError means no guest credential and no account was
// available. Surfaced as a 503-equivalent.
type CredentialsExhaustedError struct{}

func (e *CredentialsExhaustedError) Error() string {
	return "no credentials available: guest pool empty and no account eligible"
}

// ConfigError means a component was given an invalid configuration value
// (e.g. a malformed egress URL) at startup. The component that rejects it
// is marked unavailable; the core continues without it.
type ConfigError struct {
	Component string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
