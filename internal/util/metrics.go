package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcilePassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replenishment_passes_total",
		Help: "Total number of reconciliation passes by result",
	}, []string{"result"})

	ReconcilePassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replenishment_pass_duration_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: prometheus.DefBuckets,
	})

	ReplenishmentCandidates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replenishment_candidates",
		Help: "Number of replenishment candidates computed by the last pass",
	})

	ReplenishmentOrdersInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replenishment_orders_inserted_total",
		Help: "Total number of system orders inserted by reconciliation",
	})

	ReplenishmentOrdersDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replenishment_stale_orders_deleted_total",
		Help: "Total number of stale pending system orders deleted by reconciliation",
	})

	ReplenishmentPairsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replenishment_pairs_skipped_total",
		Help: "Reference/color pairs skipped during reconciliation",
	}, []string{"reason"})

	SplitterOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_splitter_operations_total",
		Help: "Order splitter operations by kind and result",
	}, []string{"operation", "result"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order state machine transitions by kind and result",
	}, []string{"transition", "result"})

	SuspensionWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_suspension_writes_total",
		Help: "Suspension writes by sink and result",
	}, []string{"sink", "result"})

	StoreCallTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "store_call_timeouts_total",
		Help: "Store calls that exceeded the configured timeout",
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
