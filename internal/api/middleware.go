package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Middleware is a function that wraps an HTTP handler
type Middleware func(http.Handler) http.Handler

const requestIDHeader = "X-Request-ID"

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		latency := time.Since(start)
		s.metrics.IncrementRequest(r.Method, route, ww.Status())
		s.metrics.RecordLatency(r.Method, route, latency.Seconds())

		s.logger.Info("request",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", latency),
		)
	})
}

// RateLimitMiddleware creates middleware that enforces rate limits per
// client. The authenticated subject identifies the client when present,
// the remote address otherwise.
func RateLimitMiddleware(limiter *RateLimiter, metrics *Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := Subject(r.Context())
			if client == "" {
				client = clientAddr(r)
			}

			allowed, remaining := limiter.Allow(client)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.burstSize))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				if metrics != nil {
					metrics.IncrementRateLimitHit()
				}
				w.Header().Set("Retry-After", "1")
				writeOutcome(w, http.StatusTooManyRequests, "throttled", errRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
