// Package metrics provides Prometheus instrumentation for the copy trader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SourceTradesObserved counts new source trades saved by the monitor.
	SourceTradesObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_source_trades_observed_total",
		Help: "Source trades discovered for followed accounts",
	}, []string{"account"})

	// OrdersTotal counts logical orders by side and terminal outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_orders_total",
		Help: "Logical orders processed, by terminal outcome",
	}, []string{"side", "terminal"})

	// FilledUsd accumulates USD filled by side.
	FilledUsd = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_filled_usd_total",
		Help: "USD filled on the exchange",
	}, []string{"side"})

	// SizingRejections counts trades the sizing engine sized to zero.
	SizingRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_sizing_rejections_total",
		Help: "Trades sized to zero, by reason",
	}, []string{"reason"})

	// ExecutionAttempts observes fill-or-kill submissions per logical order.
	ExecutionAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copytrader_execution_attempts",
		Help:    "Order submissions per logical order",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	// CopyLatency observes source timestamp to terminal outcome.
	CopyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "copytrader_copy_latency_seconds",
		Help:    "Delay between the source trade and its copy outcome",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900},
	})

	// AggregationGroups tracks live aggregation groups.
	AggregationGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "copytrader_aggregation_groups",
		Help: "Aggregation groups currently buffering trades",
	})

	// AggregatedTrades counts buffered trades by how their group ended.
	AggregatedTrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_aggregated_trades_total",
		Help: "Trades released from the aggregation buffer",
	}, []string{"result"})

	// ActivityEvents counts websocket activity events for followed wallets.
	ActivityEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copytrader_activity_events_total",
		Help: "Websocket activity events matching a followed wallet",
	})

	// HTTPRequestsTotal counts status API requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copytrader_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copytrader_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "route"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
