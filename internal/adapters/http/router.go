package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/application"
	"github.com/viralforge/mesh/services/access-control/M21-biometric-identity-service/internal/ports"
)

const (
	roleAdmin    = "admin"
	roleReviewer = "reviewer"
)

// Handler is the HTTP adapter entrypoint for the operator and device APIs.
type Handler struct {
	service  *application.Service
	verifier ports.TokenVerifier
	metrics  func() any
	ready    func(ctx context.Context) error
}

type HandlerOptions struct {
	Verifier ports.TokenVerifier
	// Metrics returns the telemetry snapshot served at /metrics.
	Metrics func() any
	// Ready reports dependency readiness for /readyz.
	Ready func(ctx context.Context) error
}

func NewHandler(service *application.Service, opts HandlerOptions) *Handler {
	return &Handler{
		service:  service,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		ready:    opts.Ready,
	}
}

// NewRouter registers routes and the middleware stack.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	r.Get("/metrics", handler.metricsSnapshot)

	r.Route("/biometric/v1", func(r chi.Router) {
		r.Post("/authenticate", handler.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware(roleAdmin))
			r.Post("/templates", handler.enroll)
			r.Get("/templates/stats", handler.templateStats)
			r.Get("/templates/{template_id}", handler.getTemplate)
			r.Get("/templates/{template_id}/sync", handler.listSyncOutcomes)
			r.Post("/templates/{template_id}/revoke", handler.revoke)
			r.Put("/templates/{template_id}/status", handler.setStatus)
			r.Get("/users/{user_id}/templates", handler.listUserTemplates)
			r.Post("/users/{user_id}/revoke", handler.revokeUser)
			r.Put("/devices/{device_id}", handler.upsertDevice)
		})

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware(roleReviewer, roleAdmin))
			r.Get("/reviews", handler.listReviews)
			r.Post("/reviews/{auth_id}/resolve", handler.resolveReview)
			r.Get("/attempts", handler.listAttempts)
		})
	})

	return r
}
