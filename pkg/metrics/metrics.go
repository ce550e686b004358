package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CampaignAdmissions records campaign admission outcomes (accepted|entitlement_denied|insufficient_credits|error).
	CampaignAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weddingdesk_campaign_admissions_total",
			Help: "Total number of campaign admission attempts",
		},
		[]string{"result"},
	)

	// MessagesDispatched counts provider send attempts by result (sent|rejected|transient|skipped).
	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weddingdesk_messages_dispatched_total",
			Help: "Total number of outbound message dispatches",
		},
		[]string{"result"},
	)

	// LedgerEntries counts committed ledger entries by type and pool.
	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weddingdesk_ledger_entries_total",
			Help: "Total number of credit ledger entries written",
		},
		[]string{"type", "pool"},
	)

	// DeliveryTransitions counts delivery state changes by target state.
	DeliveryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weddingdesk_delivery_transitions_total",
			Help: "Total number of delivery state transitions",
		},
		[]string{"to"},
	)

	// Callbacks counts provider status callbacks by outcome (applied|duplicate|ignored|unknown|error).
	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weddingdesk_callbacks_total",
			Help: "Total number of provider status callbacks",
		},
		[]string{"outcome"},
	)

	// BatchDuration measures how long one dispatch batch takes to process.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weddingdesk_batch_duration_seconds",
			Help:    "Dispatch batch processing time",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weddingdesk_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
