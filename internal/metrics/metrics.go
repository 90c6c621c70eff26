// Package metrics exposes the broker's Prometheus gauges, counters
// and histograms at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rbxsync",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Total dispatch bus requests, by outcome (success, editor_error, timeout).",
	}, []string{"outcome"})

	DispatchQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rbxsync",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Current number of not-yet-polled requests, by place.",
	}, []string{"place"})

	DispatchLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rbxsync",
		Subsystem: "dispatch",
		Name:      "latency_seconds",
		Help:      "Time from dispatch enqueue to resolution.",
		Buckets:   prometheus.DefBuckets,
	})

	ExtractionChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rbxsync",
		Subsystem: "extract",
		Name:      "chunks_total",
		Help:      "Total instance-tree chunks received across all sessions.",
	})

	ExtractionSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rbxsync",
		Subsystem: "extract",
		Name:      "sessions_active",
		Help:      "Number of extraction sessions currently collecting or finalizing.",
	})

	ExtractionFinalizeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rbxsync",
		Subsystem: "extract",
		Name:      "finalize_duration_seconds",
		Help:      "Time spent in the finalize write-and-rollback path.",
		Buckets:   prometheus.DefBuckets,
	})

	ConsoleMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rbxsync",
		Subsystem: "console",
		Name:      "messages_total",
		Help:      "Total console messages pushed by editors.",
	})

	ConsoleSubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rbxsync",
		Subsystem: "console",
		Name:      "subscribers_active",
		Help:      "Number of attached SSE console subscribers.",
	})

	ConsoleDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rbxsync",
		Subsystem: "console",
		Name:      "dropped_total",
		Help:      "Total console messages dropped because a subscriber's buffer was full.",
	})

	PlacesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rbxsync",
		Subsystem: "registry",
		Name:      "places_registered",
		Help:      "Number of currently registered Places.",
	})

	BotQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rbxsync",
		Subsystem: "bot",
		Name:      "queue_depth",
		Help:      "Current bot command queue depth.",
	})
)
