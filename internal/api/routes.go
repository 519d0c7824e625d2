package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/lakesync/internal/auth"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/metering"
	"github.com/hyperengineering/lakesync/internal/metrics"
)

// RouterOptions carries the cross-cutting pieces the route tree needs.
type RouterOptions struct {
	Verifier       *auth.Verifier
	Metrics        *metrics.Metrics
	Usage          *metering.Aggregator
	AllowedOrigins []string
	// AdminRatePerSecond throttles the admin surface; zero disables.
	AdminRatePerSecond float64
}

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(SecurityHeaders)
	r.Use(CORSMiddleware(opts.AllowedOrigins))
	r.Use(ObserveMiddleware(opts.Metrics, opts.Usage))

	// Public routes (no auth required)
	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Verifier))
		r.Use(NoStore)

		r.Route("/sync/{gatewayID}", func(r chi.Router) {
			r.Post("/push", h.Push)
			r.Get("/pull", h.Pull)
			r.Get("/checkpoint", h.Checkpoint)
			r.Get("/ws", h.WS)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			if opts.AdminRatePerSecond > 0 {
				r.Use(NewAdminRateLimiter(opts.AdminRatePerSecond).Middleware)
			}
			r.Post("/flush/{gatewayID}", h.AdminFlush)
			r.Post("/schema/{gatewayID}", h.AdminSchema)
			r.Post("/sync-rules/{gatewayID}", h.AdminSyncRules)
			r.Get("/stats/{gatewayID}", h.AdminStats)
		})
	})

	// Peer dispatch surface. Authenticated with the forwarded caller
	// token; deploy behind a network boundary regardless.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Verifier))
		r.Use(NoStore)
		r.Post("/internal/broadcast/{gatewayID}", h.InternalBroadcast)
	})

	// Legacy unversioned paths moved under /v1.
	r.Handle("/sync/*", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/v1"+req.URL.Path, http.StatusMovedPermanently)
	}))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteErrorKind(w, errs.KindNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		WriteErrorKind(w, errs.KindMethodNotAllowed, "Method not allowed")
	})

	return r
}
