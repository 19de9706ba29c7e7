package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_claims_total",
			Help: "Total number of successful job claims by environment and phase",
		},
		[]string{"environment", "phase"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed by kind and phase",
		},
		[]string{"environment", "kind", "phase"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job failures by kind, phase and outcome",
		},
		[]string{"environment", "kind", "phase", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration in seconds by kind and phase",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
		[]string{"kind", "phase"},
	)

	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Total number of model requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_request_duration_seconds",
			Help:    "Model request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "operation"},
	)

	RateLimiterStallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_stalls_total",
			Help: "Total number of denied acquires that led to a scheduling stall",
		},
		[]string{"api"},
	)
	RateLimiterStallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limiter_stall_seconds",
			Help:    "Suggested retry-after delays returned by the limiter",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"api"},
	)

	OCRStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocr_stage_duration_seconds",
			Help:    "OCR pipeline stage duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
	OCRPagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_pages_total",
			Help: "Total number of OCR pages processed by result",
		},
		[]string{"result"},
	)

	StalledResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_stalled_resets_total",
			Help: "Total number of stalled jobs reset by the health monitor",
		},
		[]string{"environment"},
	)
	DeadWorkersEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_dead_workers_evicted_total",
			Help: "Total number of dead workers evicted by the health monitor",
		},
		[]string{"environment"},
	)

	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Number of live workers by state",
		},
		[]string{"state"},
	)
	CapacityAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capacity_allocated",
			Help: "Aggregate admitted resource usage by resource (cpu, ram_gb)",
		},
		[]string{"resource"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ModelRequestsTotal)
	prometheus.MustRegister(ModelRequestDuration)
	prometheus.MustRegister(RateLimiterStallsTotal)
	prometheus.MustRegister(RateLimiterStallSeconds)
	prometheus.MustRegister(OCRStageDuration)
	prometheus.MustRegister(OCRPagesTotal)
	prometheus.MustRegister(StalledResetsTotal)
	prometheus.MustRegister(DeadWorkersEvictedTotal)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(CapacityAllocated)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveClaim records one successful claim.
func ObserveClaim(environment, phase string) {
	ClaimsTotal.WithLabelValues(environment, phase).Inc()
}

// ObserveJobDone records a finished job and its duration.
func ObserveJobDone(environment, kind, phase string, took time.Duration) {
	JobsCompletedTotal.WithLabelValues(environment, kind, phase).Inc()
	JobDuration.WithLabelValues(kind, phase).Observe(took.Seconds())
}

// ObserveJobFailed records a failed job; outcome is "retried" or "terminal".
func ObserveJobFailed(environment, kind, phase, outcome string, took time.Duration) {
	JobsFailedTotal.WithLabelValues(environment, kind, phase, outcome).Inc()
	JobDuration.WithLabelValues(kind, phase).Observe(took.Seconds())
}

// ObserveModelRequest records one upstream model call.
func ObserveModelRequest(provider, operation string, took time.Duration) {
	ModelRequestsTotal.WithLabelValues(provider, operation).Inc()
	ModelRequestDuration.WithLabelValues(provider, operation).Observe(took.Seconds())
}

// ObserveLimiterStall records a denied acquire and its suggested delay.
func ObserveLimiterStall(api string, retryAfter time.Duration) {
	RateLimiterStallsTotal.WithLabelValues(api).Inc()
	RateLimiterStallSeconds.WithLabelValues(api).Observe(retryAfter.Seconds())
}
