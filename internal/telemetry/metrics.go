package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_items_completed_total", Help: "Items processed successfully"})
	ItemsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_items_failed_total", Help: "Items that exhausted retries or failed permanently"})
	ItemRetries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_item_retries_total", Help: "Item attempts scheduled for retry"})
	ItemsInFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batch_items_inflight", Help: "Handler calls currently in flight"})
	JobsRunning        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "batch_jobs_running", Help: "Jobs currently executing"})
	ProgressDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_progress_dropped_total", Help: "Progress snapshots dropped on buffer overflow"})
	SuggestRateLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "batch_suggest_rate_limited_total", Help: "AI suggestions deferred by the local rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsCompleted,
			ItemsFailed,
			ItemRetries,
			ItemsInFlight,
			JobsRunning,
			ProgressDropped,
			SuggestRateLimited,
		)
	})
	return promhttp.Handler()
}
