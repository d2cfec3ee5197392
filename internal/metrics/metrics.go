package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_email_failures_total",
			Help: "Total terminal delivery failures",
		},
	)

	// Redefers counts jobs sent back to the delay queue, by reason:
	// not_due (dequeued before scheduled_at), hourly (hourly cap
	// reached), delay (minimum spacing not yet elapsed).
	Redefers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_job_redefers_total",
			Help: "Total jobs re-deferred to a later eligible time",
		},
		[]string{"reason"},
	)

	// JobsDropped counts queue deliveries dropped because the job
	// record was missing or already terminal. The drop itself is a
	// silent no-op; the counter keeps it observable.
	JobsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_jobs_dropped_total",
			Help: "Queue deliveries dropped for missing or already-completed jobs",
		},
	)

	LeasesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_leases_reclaimed_total",
			Help: "Expired job leases returned to the queue for redelivery",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(Redefers)
	prometheus.MustRegister(JobsDropped)
	prometheus.MustRegister(LeasesReclaimed)
}
