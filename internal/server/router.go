package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/common/middleware"
	"github.com/Evothesis/server-infrastructure/internal/metrics"
)

// NewRouter constructs a chi router with the ops API routes registered.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(instrument(h.logger))

	// Health endpoints
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pipeline/status", h.Status)
		r.Post("/pipeline/{stage}", h.RunStage)
		r.Delete("/tenants/cache", h.ClearTenantCache)
	})

	return r
}

// instrument counts requests by route pattern and status, and logs every
// request except health probes and scrapes at debug level.
func instrument(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

			attrs := []any{
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(status),
				logging.Duration(time.Since(start)),
				"request_id", middleware.GetRequestID(r.Context()),
			}
			switch route {
			case "/healthz", "/readyz", "/metrics":
				logger.DebugContext(r.Context(), "request", attrs...)
			default:
				logger.InfoContext(r.Context(), "request", attrs...)
			}
		})
	}
}
