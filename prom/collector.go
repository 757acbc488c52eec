// Package prom exports client, pool and circuit breaker statistics as
// Prometheus metrics.
//
//	registry.MustRegister(prom.NewCollector(client))
package prom

import (
	"github.com/pior/couchcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// StatsSource is implemented by *couchcore.Client.
type StatsSource interface {
	Stats() couchcore.ClientStats
	AllPoolStats() []couchcore.ServerPoolStats
}

// Collector reads a snapshot of the stats on every scrape.
type Collector struct {
	source StatsSource

	operations       *prometheus.Desc
	errors           *prometheus.Desc
	timeouts         *prometheus.Desc
	retries          *prometheus.Desc
	notMyVBucket     *prometheus.Desc
	mapUpdates       *prometheus.Desc
	streamReconnects *prometheus.Desc

	poolConnections *prometheus.Desc
	poolCreated     *prometheus.Desc
	poolDestroyed   *prometheus.Desc
	poolAcquires    *prometheus.Desc
	poolWaits       *prometheus.Desc
	poolWaitSeconds *prometheus.Desc
	poolErrors      *prometheus.Desc

	circuitState    *prometheus.Desc
	circuitRequests *prometheus.Desc
	circuitFailures *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(source StatsSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("couchcore_"+name, help, labels, nil)
	}
	return &Collector{
		source: source,

		operations:       desc("operations_total", "Operations passed to Execute."),
		errors:           desc("operation_errors_total", "Operations that returned an error."),
		timeouts:         desc("operation_timeouts_total", "Operations that ran out of time."),
		retries:          desc("operation_retries_total", "Transport-level retries on a fresh connection."),
		notMyVBucket:     desc("not_my_vbucket_total", "NOT_MY_VBUCKET responses received."),
		mapUpdates:       desc("cluster_map_updates_total", "Cluster maps published."),
		streamReconnects: desc("config_stream_reconnects_total", "Config stream reconnections."),

		poolConnections: desc("pool_connections", "Connections per node by state.", "node", "state"),
		poolCreated:     desc("pool_connections_created_total", "Connections created.", "node"),
		poolDestroyed:   desc("pool_connections_destroyed_total", "Connections destroyed.", "node"),
		poolAcquires:    desc("pool_acquires_total", "Connection acquire attempts.", "node"),
		poolWaits:       desc("pool_acquire_waits_total", "Acquires that had to wait.", "node"),
		poolWaitSeconds: desc("pool_acquire_wait_seconds_total", "Time spent waiting for a connection.", "node"),
		poolErrors:      desc("pool_acquire_errors_total", "Failed acquire attempts.", "node"),

		circuitState:    desc("circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open).", "node"),
		circuitRequests: desc("circuit_breaker_requests", "Requests counted in the current breaker interval.", "node"),
		circuitFailures: desc("circuit_breaker_failures", "Breaker failure counts.", "node", "type"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.operations, c.errors, c.timeouts, c.retries, c.notMyVBucket, c.mapUpdates, c.streamReconnects,
		c.poolConnections, c.poolCreated, c.poolDestroyed, c.poolAcquires, c.poolWaits, c.poolWaitSeconds, c.poolErrors,
		c.circuitState, c.circuitRequests, c.circuitFailures,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.operations, s.Operations)
	counter(c.errors, s.Errors)
	counter(c.timeouts, s.Timeouts)
	counter(c.retries, s.Retries)
	counter(c.notMyVBucket, s.NotMyVBucket)
	counter(c.mapUpdates, s.MapUpdates)
	counter(c.streamReconnects, s.StreamReconnects)

	for _, ps := range c.source.AllPoolStats() {
		node := ps.Addr
		p := ps.PoolStats

		gauge(c.poolConnections, float64(p.TotalConns), node, "total")
		gauge(c.poolConnections, float64(p.ActiveConns), node, "active")
		gauge(c.poolConnections, float64(p.IdleConns), node, "idle")
		counter(c.poolCreated, p.CreatedConns, node)
		counter(c.poolDestroyed, p.DestroyedConns, node)
		counter(c.poolAcquires, p.AcquireCount, node)
		counter(c.poolWaits, p.AcquireWaitCount, node)
		ch <- prometheus.MustNewConstMetric(c.poolWaitSeconds, prometheus.CounterValue, float64(p.AcquireWaitTimeNs)/1e9, node)
		counter(c.poolErrors, p.AcquireErrors, node)

		gauge(c.circuitState, stateValue(ps.CircuitBreakerState), node)
		gauge(c.circuitRequests, float64(ps.CircuitBreakerCounts.Requests), node)
		gauge(c.circuitFailures, float64(ps.CircuitBreakerCounts.TotalFailures), node, "total")
		gauge(c.circuitFailures, float64(ps.CircuitBreakerCounts.ConsecutiveFailures), node, "consecutive")
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
