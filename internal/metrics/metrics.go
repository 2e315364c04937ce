package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Transaction lifecycle
	TransactionsCreated  *prometheus.CounterVec   // by flow
	Transitions          *prometheus.CounterVec   // by from, to
	TransitionRejected   *prometheus.CounterVec   // by from, to
	TransactionsTerminal *prometheus.CounterVec   // by flow, state
	SettlementLatency    *prometheus.HistogramVec // invoice creation -> settle, by flow
	PayoutLatency        *prometheus.HistogramVec // settle -> completed, by flow
	KESPaidOut           *prometheus.CounterVec   // cents, by flow

	// Upstreams
	LightningCalls  *prometheus.CounterVec // by method, outcome
	DarajaCalls     *prometheus.CounterVec // by operation, outcome
	DarajaLatency   *prometheus.HistogramVec
	RateFeedHealthy *prometheus.GaugeVec // 1 healthy / 0 unhealthy, by feed
	RateCurrent     prometheus.Gauge     // BTC/KES after spread
	QuoteRequests   *prometheus.CounterVec

	// Webhook ingress
	WebhooksAccepted  *prometheus.CounterVec // by endpoint
	WebhooksDuplicate *prometheus.CounterVec
	WebhooksRejected  *prometheus.CounterVec // by endpoint, reason

	// Risk
	RiskDecisions *prometheus.CounterVec // by decision
	RiskScore     prometheus.Histogram

	// Background loops
	SweeperRuns       *prometheus.CounterVec // by loop
	SweeperExpired    prometheus.Counter
	ReconcilerQueries prometheus.Counter
	RetriesTotal      *prometheus.CounterVec // by effect
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		TransactionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transactions_created_total",
			Help: "Transactions created, by flow",
		}, []string{"flow"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transitions_total",
			Help: "Committed state transitions",
		}, []string{"from", "to"}),
		TransitionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transitions_rejected_total",
			Help: "Transitions rejected as illegal or stale",
		}, []string{"from", "to"}),
		TransactionsTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_transactions_terminal_total",
			Help: "Transactions reaching a terminal state",
		}, []string{"flow", "state"}),
		SettlementLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_settlement_latency_seconds",
			Help:    "Time from invoice creation to Lightning settlement",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"flow"}),
		PayoutLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_payout_latency_seconds",
			Help:    "Time from Lightning settlement to COMPLETED",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"flow"}),
		KESPaidOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_kes_paid_out_cents_total",
			Help: "Total KES paid out via Daraja, in cents",
		}, []string{"flow"}),

		LightningCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_lightning_calls_total",
			Help: "Lightning RPC calls",
		}, []string{"method", "outcome"}),
		DarajaCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_daraja_calls_total",
			Help: "Daraja API calls",
		}, []string{"operation", "outcome"}),
		DarajaLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_daraja_latency_seconds",
			Help:    "Daraja API call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation"}),
		RateFeedHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_rate_feed_healthy",
			Help: "Rate feed health (1 healthy, 0 unhealthy)",
		}, []string{"feed"}),
		RateCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_rate_btc_kes",
			Help: "Current BTC/KES rate after spread",
		}),
		QuoteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_quote_requests_total",
			Help: "Quote requests, by flow and outcome",
		}, []string{"flow", "outcome"}),

		WebhooksAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_webhooks_accepted_total",
			Help: "Webhook callbacks accepted and enqueued",
		}, []string{"endpoint"}),
		WebhooksDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_webhooks_duplicate_total",
			Help: "Webhook callbacks dropped by the dedup window",
		}, []string{"endpoint"}),
		WebhooksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_webhooks_rejected_total",
			Help: "Webhook callbacks rejected before enqueue",
		}, []string{"endpoint", "reason"}),

		RiskDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_risk_decisions_total",
			Help: "Risk engine decisions",
		}, []string{"decision"}),
		RiskScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_risk_score",
			Help:    "Risk score distribution",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		SweeperRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_sweeper_runs_total",
			Help: "Background loop iterations",
		}, []string{"loop"}),
		SweeperExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_sweeper_expired_total",
			Help: "Transactions expired by the sweeper",
		}),
		ReconcilerQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_reconciler_queries_total",
			Help: "Status queries issued for overdue dispatches",
		}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_retries_total",
			Help: "Outbound side effect retries",
		}, []string{"effect"}),
	}
}
