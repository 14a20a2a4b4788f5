package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deposit pipeline metrics
	DepositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_deposits_total",
			Help: "Total number of deposits reaching a status, by status",
		},
		[]string{"status"},
	)

	SubmissionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_submissions_accepted_total",
			Help: "Total number of submissions accepted for processing",
		},
	)

	SubmissionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_submissions_failed_total",
			Help: "Total number of submissions marked failed",
		},
	)

	// Transport metrics
	TransportSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depositd_transport_send_duration_seconds",
			Help:    "Package transfer duration in seconds, by protocol",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	TransportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "depositd_transport_failures_total",
			Help: "Total number of failed physical transfers, by protocol",
		},
		[]string{"protocol"},
	)

	// Worker pool metrics
	PoolRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_pool_rejections_total",
			Help: "Total number of deposit tasks rejected by a saturated pool",
		},
	)

	PoolTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_pool_tasks_total",
			Help: "Total number of deposit tasks executed",
		},
	)

	// Critical interaction metrics
	CriticalConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_critical_conflicts_total",
			Help: "Total number of etag conflicts observed during critical updates",
		},
	)

	CriticalRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_critical_retries_total",
			Help: "Total number of critical update retries after conflicts",
		},
	)

	// Reconciler metrics
	ReconcilePassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "depositd_reconcile_pass_duration_seconds",
			Help:    "Duration of one reconciliation pass in seconds, by loop",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	// Message bus metrics
	MessagesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_messages_published_total",
			Help: "Total number of trigger messages published",
		},
	)

	MessagesAcked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "depositd_messages_acked_total",
			Help: "Total number of trigger messages acknowledged",
		},
	)
)

func init() {
	prometheus.MustRegister(DepositsTotal)
	prometheus.MustRegister(SubmissionsAccepted)
	prometheus.MustRegister(SubmissionsFailed)
	prometheus.MustRegister(TransportSendDuration)
	prometheus.MustRegister(TransportFailures)
	prometheus.MustRegister(PoolRejectionsTotal)
	prometheus.MustRegister(PoolTasksTotal)
	prometheus.MustRegister(CriticalConflictsTotal)
	prometheus.MustRegister(CriticalRetriesTotal)
	prometheus.MustRegister(ReconcilePassDuration)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesAcked)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
