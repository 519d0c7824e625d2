package api

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/hyperengineering/lakesync/internal/auth"
	"github.com/hyperengineering/lakesync/internal/errs"
	"github.com/hyperengineering/lakesync/internal/metering"
	"github.com/hyperengineering/lakesync/internal/metrics"
)

// extractBearerToken extracts the token from the Authorization header,
// falling back to the token query parameter for WebSocket upgrades,
// where browsers cannot set headers. Returns empty string for
// missing/malformed credentials.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		// Must start with "Bearer " (case-sensitive per RFC 6750)
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			return ""
		}
		return strings.TrimSpace(auth[len(prefix):])
	}
	return r.URL.Query().Get("token")
}

// AuthMiddleware verifies the bearer token and attaches the resolved
// claims to the request context. Returns 401 on any verification
// failure. MUST NOT include token material in logs or responses.
func AuthMiddleware(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				WriteErrorKind(w, errs.KindAuth, "Missing bearer token")
				return
			}
			claims, err := verifier.Verify(token)
			if err != nil {
				slog.Warn("auth failure",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_ip", r.RemoteAddr,
				)
				WriteError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdmin gates a route group on the admin role. Runs after
// AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := MustClaimsFromContext(r.Context())
		if !claims.IsAdmin() {
			WriteErrorKind(w, errs.KindForbidden, "Admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware catches panics and returns a 500 error body.
// Panic details are logged but never exposed to the client.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				slog.Error("panic recovered",
					"error", recovered,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
					"method", r.Method,
				)
				WriteErrorKind(w, errs.KindInternal, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the response headers every route carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// NoStore marks responses carrying client data as uncacheable.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware answers preflights and sets the allow headers for
// matching origins. An empty allow list admits every origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := func(origin string) bool {
		if len(allowedOrigins) == 0 {
			return true
		}
		for _, o := range allowedOrigins {
			if o == origin {
				return true
			}
		}
		return false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminRateLimiter throttles the admin surface per node. Flush and
// schema changes are heavyweight; a runaway client must not be able to
// thrash the buffers.
type AdminRateLimiter struct {
	limiter *rate.Limiter
}

// NewAdminRateLimiter allows ratePerSecond sustained operations with a
// burst of twice that (minimum 1).
func NewAdminRateLimiter(ratePerSecond float64) *AdminRateLimiter {
	burst := int(ratePerSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return &AdminRateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Middleware rejects requests over the limit with 429.
func (l *AdminRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeErrorBody(w, http.StatusTooManyRequests, ErrorBody{
				Error: "Admin rate limit exceeded",
				Kind:  errs.KindValidation,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ObserveMiddleware counts API calls into the metrics registry and the
// usage aggregator, labelled by route pattern so cardinality stays
// bounded. Either sink may be nil.
func ObserveMiddleware(m *metrics.Metrics, usage *metering.Aggregator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			rctx := chi.RouteContext(r.Context())
			if rctx == nil {
				return
			}
			route := rctx.RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			if m != nil {
				m.APICalls.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()
			}
			if usage != nil {
				gatewayID := rctx.URLParam("gatewayID")
				if gatewayID == "" {
					gatewayID = "-"
				}
				usage.Record(gatewayID, metering.EventAPICall, 1)
			}
		})
	}
}
