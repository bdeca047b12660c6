package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"homeguard/internal/logger"
	"homeguard/internal/metrics"
)

// Streaming routes stay open for minutes; they are logged when they end like
// every other request but kept out of the latency histogram.
var streamingRoutes = map[string]bool{
	"/video_feed": true,
	"/ws":         true,
}

// observe logs every request through the base context's logger and records
// its latency by route pattern. Unknown paths share one label.
func observe(base context.Context) func(http.Handler) http.Handler {
	base = logger.WithName(base, "http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			elapsed := time.Since(start)
			if !streamingRoutes[route] {
				metrics.ObserveHTTP(r.Method, route, status, elapsed)
			}

			logger.DebugKV(base, "Request served",
				"method", r.Method,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}
