package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsRegistered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_jobs_registered_total", Help: "Jobs registered with the scheduler"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_jobs_failed_total", Help: "Job attempts that ended in failure"})
	JobsRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_jobs_retried_total", Help: "Failed jobs returned to pending by the retry sweep"})
	ItemsProcessed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_items_processed_total", Help: "Items processed across all job batches"})
	LeaseContention = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_lease_contention_total", Help: "Claim attempts lost to another worker"})
	LeasesSwept     = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_leases_swept_total", Help: "Expired leases removed by the sweep"})
	RateLimitHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_rate_limit_rejects_total", Help: "Admin API requests rejected by the rate limiter"})
	PendingGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "maintenance_jobs_pending", Help: "Jobs currently pending"})
	RunningGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "maintenance_jobs_running", Help: "Jobs currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsRegistered,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			ItemsProcessed,
			LeaseContention,
			LeasesSwept,
			RateLimitHits,
			PendingGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
