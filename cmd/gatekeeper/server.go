package main

import (
	"context"
	"net/http"
	"time"

	"gatekeeper/internal/allowlist"
	"gatekeeper/internal/enforce"
	"gatekeeper/internal/httputil"
)

// System uptime tracking
var startTime = time.Now()

// Middleware wraps an http.Handler and returns a new handler
type Middleware func(http.Handler) http.Handler

// Chain composes multiple middlewares into a single middleware
// Middlewares are applied in the order they are provided:
// Chain(mw1, mw2, mw3)(handler) => mw1(mw2(mw3(handler)))
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")

		// Only set HSTS if TLS is enabled
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

type sinkHealth struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type healthReport struct {
	Status        string       `json:"status"`
	Store         string       `json:"store"`
	Sinks         []sinkHealth `json:"sinks,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

// healthHandler reports store reachability. Open enforcement breakers are
// reported but do not fail the check, since approvals keep working without them.
func healthHandler(store allowlist.Store, syncer enforce.Syncer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		report := healthReport{
			Status:        "ok",
			Store:         "ok",
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
		}
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			httputil.GetLogger(r.Context()).Error().Err(err).Msg("health check: store unreachable")
			report.Status = "degraded"
			report.Store = "unavailable"
			code = http.StatusServiceUnavailable
		}

		sinks, _ := syncer.(enforce.Multi)
		for _, s := range sinks {
			h := sinkHealth{Name: s.Name(), State: "ok"}
			if g, ok := s.(*enforce.Guarded); ok {
				h.State = g.Breaker().State().String()
			}
			report.Sinks = append(report.Sinks, h)
		}

		httputil.WriteJSON(w, code, report)
	})
}
