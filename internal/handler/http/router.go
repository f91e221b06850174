package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carepulse/carepulse/pkg/health"
	"github.com/carepulse/carepulse/pkg/middleware"
)

// NewRouter creates a chi router with the status API routes registered.
// limiter may be nil.
func NewRouter(
	statusHandler *StatusHandler,
	healthHandler *health.Handler,
	limiter *middleware.RateLimiter,
	userID middleware.UserIDFunc,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("carepulse"))
	r.Use(middleware.Tracing("carepulse"))
	r.Use(middleware.RequestLogger(logger, userID))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Handler)
		}
		r.Use(ContentTypeJSON)

		r.Get("/session", statusHandler.GetSession)
		r.Get("/stream", statusHandler.GetStream)
		r.Get("/notifications", statusHandler.GetNotifications)
		r.Post("/notifications/read", statusHandler.MarkRead)
	})

	return r
}
