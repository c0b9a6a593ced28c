// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schoolbridge/schoolbridge/internal/metrics"
)

// NewRouter assembles the HTTP surface. The trigger route is rate limited
// per client IP; read routes share a laxer limit so dashboards can poll.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(httprate.LimitByIP(10, time.Minute)).
			Post("/sync", h.TriggerSync)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(300, time.Minute))
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/{traceID}", h.GetRun)
			r.Get("/tenants", h.ListTenants)
			r.Get("/health", h.Health)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// requestMetrics records per-route request counts and latency using the
// chi route pattern so path parameters do not explode label cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(started))
	})
}
