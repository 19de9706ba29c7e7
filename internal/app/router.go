package app

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/quebecregistres/extracteur/internal/adapter/observability"
)

// BuildOpsRouter constructs the operational HTTP surface both binaries
// expose: liveness, readiness and Prometheus metrics. Readiness runs the
// given checks in order and fails on the first error.
func BuildOpsRouter(checks ...func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		for _, check := range checks {
			if err := check(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return otelhttp.NewHandler(r, "ops")
}
