// Package metrics implements the Prometheus collector for pool, transaction,
// prepared-statement-cache, and cancellation counters. The admin SQL
// console's SHOW POOLS is explicitly out of the core's scope, but an
// operator still needs visibility into the same counters; this package is
// that surface's data source.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	preparedStatementCacheHits   *prometheus.CounterVec
	preparedStatementCacheMisses *prometheus.CounterVec
	preparedStatementEvictions   *prometheus.CounterVec

	cancelRequestsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each
// call creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgscram_connections_active",
				Help: "Number of active backend connections per pool",
			},
			[]string{"pool", "user"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgscram_connections_idle",
				Help: "Number of idle backend connections per pool",
			},
			[]string{"pool", "user"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgscram_connections_total",
				Help: "Total number of backend connections per pool",
			},
			[]string{"pool", "user"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgscram_connections_waiting",
				Help: "Number of client sessions waiting for a backend connection per pool",
			},
			[]string{"pool", "user"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_pool_exhausted_total",
				Help: "Total number of acquire timeouts per pool",
			},
			[]string{"pool", "user"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"pool", "user"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgscram_transaction_duration_seconds",
				Help:    "Duration from backend acquire to release per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"pool", "user"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgscram_acquire_duration_seconds",
				Help:    "Time spent waiting in Pool.Acquire",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"pool", "user"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_backend_resets_total",
				Help: "DISCARD ALL reset results on release",
			},
			[]string{"pool", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring server drain/rollback",
			},
			[]string{"pool"},
		),
		preparedStatementCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_prepared_statement_cache_hits_total",
				Help: "Prepared-statement Parse calls served by an existing server-side name",
			},
			[]string{"pool"},
		),
		preparedStatementCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_prepared_statement_cache_misses_total",
				Help: "Prepared-statement Parse calls that minted a new server-side name",
			},
			[]string{"pool"},
		),
		preparedStatementEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_prepared_statement_evictions_total",
				Help: "Server-side prepared statement cache evictions",
			},
			[]string{"pool", "reason"},
		),
		cancelRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgscram_cancel_requests_total",
				Help: "CancelRequests processed by the cancel router",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.poolExhausted,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.preparedStatementCacheHits,
		c.preparedStatementCacheMisses,
		c.preparedStatementEvictions,
		c.cancelRequestsTotal,
	)

	return c
}

// UpdatePoolStats updates the pool gauge metrics from a poolmgr.Stats-shaped snapshot.
func (c *Collector) UpdatePoolStats(pool, user string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(pool, user).Set(float64(active))
	c.connectionsIdle.WithLabelValues(pool, user).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(pool, user).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(pool, user).Set(float64(waiting))
}

// PoolExhausted increments the acquire-timeout counter.
func (c *Collector) PoolExhausted(pool, user string) {
	c.poolExhausted.WithLabelValues(pool, user).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(pool, user string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(pool, user).Inc()
	c.transactionDuration.WithLabelValues(pool, user).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pooled backend.
func (c *Collector) AcquireDuration(pool, user string, d time.Duration) {
	c.acquireDuration.WithLabelValues(pool, user).Observe(d.Seconds())
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(pool string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(pool, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(pool string) {
	c.dirtyDisconnects.WithLabelValues(pool).Inc()
}

// PreparedStatementCacheHit records a Parse elided because the server
// already had a name for that fingerprint.
func (c *Collector) PreparedStatementCacheHit(pool string) {
	c.preparedStatementCacheHits.WithLabelValues(pool).Inc()
}

// PreparedStatementCacheMiss records a Parse that minted a new server name.
func (c *Collector) PreparedStatementCacheMiss(pool string) {
	c.preparedStatementCacheMisses.WithLabelValues(pool).Inc()
}

// PreparedStatementEviction records a server-side cache eviction, tagged by
// whether it ran immediately or was deferred past an async_mode barrier.
func (c *Collector) PreparedStatementEviction(pool, reason string) {
	c.preparedStatementEvictions.WithLabelValues(pool, reason).Inc()
}

// CancelRequest records a processed CancelRequest, tagged "hit" or "miss".
func (c *Collector) CancelRequest(result string) {
	c.cancelRequestsTotal.WithLabelValues(result).Inc()
}

// RemovePool removes all metrics labeled with pool, for RELOAD-time cleanup.
func (c *Collector) RemovePool(pool string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.dirtyDisconnects.DeleteLabelValues(pool)
	c.preparedStatementCacheHits.DeleteLabelValues(pool)
	c.preparedStatementCacheMisses.DeleteLabelValues(pool)
	c.preparedStatementEvictions.DeletePartialMatch(prometheus.Labels{"pool": pool})
}
