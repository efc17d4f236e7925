// Package metrics exposes prometheus collectors for the ingestion engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts messages persisted, labeled by source (live|backfill).
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dragnet_messages_ingested_total",
		Help: "Messages persisted by the engine.",
	}, []string{"source"})

	// DetectionsExtracted counts detections written, labeled by detector type.
	DetectionsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dragnet_detections_extracted_total",
		Help: "Detections extracted from message text.",
	}, []string{"type"})

	// DroppedSessionEvents counts live events dropped because a session's
	// event channel was full.
	DroppedSessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dragnet_session_dropped_events_total",
		Help: "Live events dropped due to a full session event channel.",
	}, []string{"account_id"})

	// MediaDownloads counts media pipeline outcomes (completed|failed|deduplicated).
	MediaDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dragnet_media_downloads_total",
		Help: "Media pipeline download outcomes.",
	}, []string{"outcome"})

	// RetryAttempts counts retry wrapper attempts by error category.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dragnet_retry_attempts_total",
		Help: "Upstream operation retries by error category.",
	}, []string{"category"})

	// FloodWaits observes server-advised wait durations in seconds.
	FloodWaits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dragnet_flood_wait_seconds",
		Help:    "Server-advised flood wait durations.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// BackfillPages counts committed backfill pages.
	BackfillPages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dragnet_backfill_pages_total",
		Help: "Backfill pages committed.",
	})

	// ActiveSessions tracks sessions currently in the active state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dragnet_active_sessions",
		Help: "Sessions currently authenticated and connected.",
	})

	// BusDroppedEvents counts events dropped from subscriber streams.
	BusDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dragnet_bus_dropped_events_total",
		Help: "Events dropped from bounded subscriber streams.",
	}, []string{"channel"})
)
