// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ally_api_chat_duration_seconds",
			Help:    "Total time taken for chat streams in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
		},
		[]string{"endpoint", "outcome"},
	)

	TimeToFirstDelta = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ally_api_time_to_first_delta_seconds",
			Help:    "Time from request start to the first text delta in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
		},
		[]string{"endpoint"},
	)

	GuardrailVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ally_api_guardrail_verdicts_total",
			Help: "Guardrail verdicts by stage and violation kind",
		},
		[]string{"stage", "kind", "safe"},
	)

	GuardrailDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ally_api_guardrail_duration_seconds",
			Help:    "Time spent validating a message",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2, 4, 8},
		},
		[]string{"stage"},
	)

	LedgerTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ally_api_ledger_transactions_total",
			Help: "Ledger transaction outcomes by allowance source",
		},
		[]string{"source", "outcome"},
	)

	InteractionsCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ally_api_interactions_charged_total",
			Help: "Interactions deducted from a user allowance",
		},
		[]string{"source"},
	)

	StreamEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ally_api_stream_events_total",
			Help: "Stream events written to clients",
		},
		[]string{"type"},
	)

	InflightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ally_api_inflight_chats",
			Help: "Current inflight chat streams",
		},
	)

	CanceledRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ally_api_canceled_chats_total",
			Help: "Chat streams aborted by the client",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ally_api_ws_connections",
			Help: "Live websocket connections",
		},
	)

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ally_api_notifications_published_total",
			Help: "Notifications published by type and whether anyone was online",
		},
		[]string{"type", "delivered"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ally_api_error_count",
			Help: "Error count",
		},
		[]string{"endpoint", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ally_api_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
