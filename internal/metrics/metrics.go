package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this service exports.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		LedgerEntries, LedgerRejections, LedgerBusyRetries,
		TaskTransitions, Refunds,
		ReconcileOutcomes, ProviderRequests, WebhooksReceived,
		ExpiredCredits, ExpiredEntries, SweepDuration,
		OverdueTasks,
	)
}

// LedgerEntries counts ledger rows written, by kind.
var LedgerEntries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_ledger_entries_total",
		Help: "Ledger entries written by kind.",
	},
	[]string{"kind"},
)

// LedgerRejections counts debits refused for lack of credits.
var LedgerRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_ledger_rejections_total",
		Help: "Debits rejected with insufficient credits.",
	},
	[]string{"mode"}, // balance | fifo
)

var LedgerBusyRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "credit_ledger_busy_retries_total",
		Help: "Transactions retried after lock timeout, deadlock or serialization failure.",
	},
)

// TaskTransitions counts task state changes by target status.
var TaskTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_task_transitions_total",
		Help: "Task state transitions by target status.",
	},
	[]string{"status"},
)

var Refunds = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_refunds_total",
		Help: "Task refunds by outcome.",
	},
	[]string{"outcome"}, // issued | skipped
)

var ReconcileOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_reconcile_outcomes_total",
		Help: "Provider notifications by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

// WebhooksReceived counts inbound provider callbacks by how the handler answered.
var WebhooksReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_webhooks_received_total",
		Help: "Provider callbacks received.",
	},
	[]string{"provider", "result"}, // accepted | unauthorized | malformed | enqueue_failed
)

var ProviderRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_provider_requests_total",
		Help: "Outbound provider API calls.",
	},
	[]string{"provider", "op", "result"},
)

var ExpiredCredits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "credit_expired_credits_total",
		Help: "Credits removed from balances by the expiry sweep.",
	},
)

var ExpiredEntries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "credit_expired_entries_total",
		Help: "Ledger entries marked expired.",
	},
)

var SweepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "credit_sweep_duration_seconds",
		Help:    "Duration of periodic sweeps.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"sweep"},
)

// OverdueTasks is the number of overdue tasks found by the last deadline sweep.
var OverdueTasks = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "credit_overdue_tasks",
		Help: "Tasks past their deadline at the last deadline sweep.",
	},
)

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
