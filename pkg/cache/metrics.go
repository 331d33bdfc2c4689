package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheRequests counts lookups by outcome: hit, durable_hit, miss, coalesced.
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podium_cache_requests_total",
		Help: "Cache lookups by cache and result",
	}, []string{"cache", "result"})

	// cacheEvictions counts removed entries by reason: expired, invalidated, pruned.
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podium_cache_evictions_total",
		Help: "Cache entries removed by cache and reason",
	}, []string{"cache", "reason"})

	durableWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podium_cache_durable_write_failures_total",
		Help: "Write-behind failures to the durable tier",
	}, []string{"cache"})
)
