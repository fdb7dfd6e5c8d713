// Package metrics holds the Prometheus collectors for the service.
//
// Exposes the counters operators alert on:
//   - feed_records_published_total{channel}  – records fanned out by the router
//   - feed_records_dropped_total{channel}    – records shed by saturated writers
//   - feed_ch_rows_flushed_total{table}      – rows landed in the columnar store
//   - feed_ch_flush_errors_total             – failed columnar flushes (rows re-queued)
//   - feed_ch_rows_dropped_total             – rows shed by a saturated table buffer
//   - feed_redis_commands_flushed_total      – pipelined key-value commands executed
//   - feed_redis_flush_errors_total          – failed key-value pipeline executions
//   - feed_ws_reconnects_total{feed}         – completed WebSocket reconnect cycles
//   - feed_book_resyncs_total                – REST book resynchronizations
//   - feed_book_gaps_total                   – sequence gaps detected
//   - feed_rest_polls_total{endpoint,outcome} – scheduler polls by result
//   - feed_health_status                     – 0 green, 1 yellow, 2 red
//
// Registered in init() and served by the API server at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RecordsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_records_published_total",
			Help: "Records fanned out by the router",
		},
		[]string{"channel"},
	)

	RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_records_dropped_total",
			Help: "Records shed by saturated writer queues",
		},
		[]string{"channel"},
	)

	CHRowsFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_ch_rows_flushed_total",
			Help: "Rows landed in the columnar store",
		},
		[]string{"table"},
	)

	CHFlushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_ch_flush_errors_total",
			Help: "Failed columnar flushes (rows are re-queued)",
		},
	)

	CHRowsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_ch_rows_dropped_total",
			Help: "Rows shed because the table buffer was saturated",
		},
	)

	RedisCommandsFlushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_redis_commands_flushed_total",
			Help: "Pipelined key-value commands executed",
		},
	)

	RedisFlushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_redis_flush_errors_total",
			Help: "Failed key-value pipeline executions",
		},
	)

	WSReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_ws_reconnects_total",
			Help: "Completed WebSocket reconnect cycles",
		},
		[]string{"feed"},
	)

	BookResyncs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_book_resyncs_total",
			Help: "REST order book resynchronizations",
		},
	)

	BookGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_book_gaps_total",
			Help: "Order book sequence gaps detected",
		},
	)

	RESTPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_rest_polls_total",
			Help: "REST scheduler polls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	HealthStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_health_status",
			Help: "Channel health: 0 green, 1 yellow, 2 red",
		},
	)
)

func init() {
	prometheus.MustRegister(RecordsPublished, RecordsDropped)
	prometheus.MustRegister(CHRowsFlushed, CHFlushErrors, CHRowsDropped)
	prometheus.MustRegister(RedisCommandsFlushed, RedisFlushErrors)
	prometheus.MustRegister(WSReconnects, BookResyncs, BookGaps)
	prometheus.MustRegister(RESTPolls, HealthStatus)
}
