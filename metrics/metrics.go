package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unibox_messages_ingested_total",
			Help: "Messages written to the store",
		},
		[]string{"platform", "result"}, // "inserted" or "replaced"
	)

	MalformedPayloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unibox_malformed_payloads_total",
			Help: "Native payloads skipped because they could not be normalized",
		},
		[]string{"platform"},
	)

	IngestFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unibox_ingest_failures_total",
			Help: "Ingestions aborted by a store failure",
		},
		[]string{"platform"},
	)

	DiscardedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unibox_discarded_events_total",
			Help: "Inbound message events dropped because the connection was not ready",
		},
		[]string{"platform", "state"},
	)

	// Connection metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unibox_connection_state",
			Help: "1 for the current lifecycle state of each platform connection",
		},
		[]string{"platform", "state"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unibox_sync_duration_seconds",
			Help:    "Duration of historical batch syncs",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"platform"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unibox_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
