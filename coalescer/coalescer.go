// Package coalescer collapses concurrent local callers asking for the same
// cache key into a single in-flight fetch (spec §4.1). The teacher's own
// cache-manager/singleflight.go hand-rolls this with a map of channels; the
// teacher also already imports golang.org/x/sync/singleflight (pulled in by
// warming/service.go), so this package standardizes on the library
// implementation across the whole module instead of keeping two versions of
// the same idea.
package coalescer

import (
	"golang.org/x/sync/singleflight"
)

// Group coalesces calls keyed by cache key. The zero value is ready to use.
type Group struct {
	g singleflight.Group
}

// Result is richer than singleflight's bare (interface{}, error): callers
// need to know whether they were the leader or a coalesced follower, to
// decide whether to record a coalesce-hit in analytics (spec §4.1).
type Result struct {
	Value     interface{}
	Coalesced bool
	Err       error
}

// Do runs fn for key, sharing the result with any other caller already
// waiting on the same key.
func (g *Group) Do(key string, fn func() (interface{}, error)) Result {
	v, err, shared := g.g.Do(key, fn)
	return Result{Value: v, Coalesced: shared, Err: err}
}

// Forget removes key from the in-flight set, so the next Do call for it
// always starts a fresh fn instead of joining a stale group.
func (g *Group) Forget(key string) {
	g.g.Forget(key)
}
