package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_jobs_created_total", Help: "Jobs accepted by create_job"})
	JobsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "adgen_jobs_finished_total", Help: "Jobs reaching a terminal status"}, []string{"status"})
	JobsPartial       = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_jobs_partial_total", Help: "Completed jobs that dropped at least one sub-job"})
	ActiveJobs        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "adgen_jobs_active", Help: "Jobs currently being orchestrated"})
	SubJobsFinished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "adgen_subjobs_finished_total", Help: "Sub-jobs reaching a terminal status"}, []string{"status"})
	InFlightSubJobs   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "adgen_subjobs_inflight", Help: "Sub-jobs currently submitted or polling"})
	ProviderRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_provider_retries_total", Help: "Sub-job attempts retried after a transient failure"})
	AggregationErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_aggregation_errors_total", Help: "Combination or fetch failures"})
	CostVarianceFlags = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_cost_variance_flags_total", Help: "Jobs whose actual cost exceeded the estimate threshold"})
	CacheHits         = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_status_cache_hits_total", Help: "Status cache hits"})
	CacheMisses       = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_status_cache_misses_total", Help: "Status cache misses"})
	CacheErrors       = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_status_cache_errors_total", Help: "Status cache operations that fell back to the store"})
	ClipBudgetRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "adgen_clip_budget_rejects_total", Help: "Job creations rejected by the tenant clip budget"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsFinished,
			JobsPartial,
			ActiveJobs,
			SubJobsFinished,
			InFlightSubJobs,
			ProviderRetries,
			AggregationErrors,
			CostVarianceFlags,
			CacheHits,
			CacheMisses,
			CacheErrors,
			ClipBudgetRejects,
		)
	})
	return promhttp.Handler()
}
