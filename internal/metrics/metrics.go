// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts scan submissions by outcome ("accepted", "duplicate", ...).
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campus",
		Subsystem: "attendance",
		Name:      "qr_scans_total",
		Help:      "QR scan submissions by outcome.",
	}, []string{"outcome"})

	FinalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campus",
		Subsystem: "attendance",
		Name:      "finalize_total",
		Help:      "Finalize calls by outcome.",
	}, []string{"outcome"})

	FinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "campus",
		Subsystem: "attendance",
		Name:      "finalize_duration_seconds",
		Help:      "Time spent reconciling a roster, including the transaction.",
		Buckets:   prometheus.DefBuckets,
	})

	RecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campus",
		Subsystem: "attendance",
		Name:      "records_written_total",
		Help:      "Attendance rows inserted or overwritten by finalize.",
	})

	Observers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "campus",
		Subsystem: "realtime",
		Name:      "observers",
		Help:      "Currently connected websocket observers.",
	})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campus",
		Subsystem: "realtime",
		Name:      "broadcast_failures_total",
		Help:      "Deliveries that failed and pruned their observer.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campus",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)
