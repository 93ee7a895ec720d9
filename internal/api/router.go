package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/phyn-bridge/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.gatherer != nil && s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceRead))
				r.Get("/system", s.handleSystem)
				r.Get("/fleet", s.handleFleet)
				r.Get("/devices", s.handleListDevices)
				r.Get("/devices/{id}", s.handleGetDevice)
				r.Get("/devices/{id}/attributes/{attribute}", s.handleGetAttribute)

				wsPath := s.wsCfg.Path
				if wsPath == "" {
					wsPath = "/ws"
				}
				r.Get(wsPath, s.handleWebSocket)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDeviceOperate))
				r.Post("/devices/{id}/valve/open", s.handleValve(true))
				r.Post("/devices/{id}/valve/close", s.handleValve(false))
				r.Put("/devices/{id}/preferences/{name}", s.handleSetPreference)
			})

			r.With(s.requirePermission(auth.PermFleetRefresh)).Post("/fleet/refresh", s.handleFleetRefresh)
			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"fleet":   s.fleet.State().String(),
	})
}
