// Package telemetry declares the Prometheus metrics the core exports,
// grounded on wisbric-nightowl's internal/telemetry/metrics.go: package-
// level prometheus.Collector vars grouped by subsystem, plus an All() for
// bulk registration rather than scattering NewCounter calls through the
// components that use them.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var CacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "feedcache",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of L1 cache hits by origin (cache, stale).",
	},
	[]string{"origin"},
)

var CacheMissesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "feedcache",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of L1 cache misses that fell through to a build.",
	},
)

var CoalescedBuildsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "feedcache",
		Subsystem: "cache",
		Name:      "coalesced_builds_total",
		Help:      "Total number of callers that joined an in-flight build instead of starting a new one.",
	},
)

var SearchOriginTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "feedcache",
		Subsystem: "search",
		Name:      "origin_total",
		Help:      "Total number of search responses by origin (cache, stale, index, live).",
	},
	[]string{"origin"},
)

var L2InsufficientCoverageTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "feedcache",
		Subsystem: "search",
		Name:      "l2_insufficient_coverage_total",
		Help:      "Total number of L2 hits abandoned for falling below the hydration coverage threshold.",
	},
)

var UpstreamRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "feedcache",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Total number of upstream requests by outcome (ok, rate_limited, forbidden, not_found, transient).",
	},
	[]string{"outcome"},
)

var UpstreamRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "feedcache",
		Subsystem: "upstream",
		Name:      "request_duration_seconds",
		Help:      "Upstream request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

var GuestPoolSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "feedcache",
		Subsystem: "credentials",
		Name:      "guest_pool_size",
		Help:      "Current number of guest credentials held in the pool.",
	},
)

var AccountCooldownsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "feedcache",
		Subsystem: "credentials",
		Name:      "account_cooldowns_active",
		Help:      "Current number of operator accounts in cooldown.",
	},
)

var AnalyticsDroppedBatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "feedcache",
		Subsystem: "analytics",
		Name:      "dropped_batches_total",
		Help:      "Total number of analytics batches dropped on flush failure, by table.",
	},
	[]string{"table"},
)

// All returns every feedcache metric for bulk registration with a
// prometheus.Registerer at startup.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		CacheHitsTotal,
		CacheMissesTotal,
		CoalescedBuildsTotal,
		SearchOriginTotal,
		L2InsufficientCoverageTotal,
		UpstreamRequestsTotal,
		UpstreamRequestDuration,
		GuestPoolSize,
		AccountCooldownsActive,
		AnalyticsDroppedBatchesTotal,
	}
}

// Register adds every feedcache metric to reg. Called once at startup from
// cmd/feedcache; components elsewhere in the core just reference the
// package vars directly and never register anything themselves.
func Register(reg prometheus.Registerer) error {
	for _, c := range All() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
