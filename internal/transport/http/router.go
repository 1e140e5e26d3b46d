// Package httptransport is the thin HTTP layer over the review and
// verification services. Handlers delegate to domain services; no business
// logic lives here.
package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the public endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/audit/{messageID}/{runID}", h.handleReadChain)
		r.Get("/audit/{messageID}/{runID}/verify", h.handleVerifyChain)
		r.Post("/corrections", h.handleSubmitCorrection)
		r.Get("/corrections/{messageID}", h.handleListCorrections)
	})
	return r
}
