package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xenophobed/isa-mcp/internal/claims"
)

type ctxKeyRequestID struct{}

// RequestID assigns every request an ID, honouring a client-supplied
// X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request ID assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logger logs one line per request.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

var httpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of admin HTTP requests by method and status.",
	},
	[]string{"method", "status"},
)

// HTTPMetrics returns the middleware's collectors for registration.
func HTTPMetrics() []prometheus.Collector {
	return []prometheus.Collector{httpRequestsTotal}
}

// Metrics counts requests by method and status.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, http.StatusText(rec.status)).Inc()
	})
}

// Claims parses verified caller claims from the request headers into the
// context. The identity layer upstream is trusted to have validated them.
func Claims(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := claims.WithContext(r.Context(), claims.FromHeader(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePrivileged rejects callers lacking the privileged claim. Every
// /admin route sits behind it.
func RequirePrivileged(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := claims.FromContext(r.Context())
			if !c.Privileged {
				logger.Warn("admin request denied",
					"path", r.URL.Path,
					"subject", c.Subject,
					"request_id", RequestIDFromContext(r.Context()),
				)
				RespondError(w, http.StatusForbidden, "denied", "the privileged claim is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
