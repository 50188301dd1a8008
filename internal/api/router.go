/**
 * @description
 * HTTP router setup for the collections service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the collections routes.
// issuerAuth guards the issuer routes; in production it is ClerkAuthMiddleware.
func NewRouter(h *Handler, issuerAuth func(http.Handler) http.Handler, internalKey string, metrics http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Collections service is healthy"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/collections/sweep", h.handleSweep)
		r.Post("/confirmations/expire", h.handleExpireConfirmations)
		r.Post("/journal/replay", h.handleReplayJournal)
		r.Post("/agency-handoffs/{id}/updates", h.handleHandoffUpdate)
	})

	r.Post("/webhooks/providers/{provider}", h.handleProviderWebhook)

	// Payer routes. The token in the path is the only credential.
	r.Get("/confirm/{token}", h.handleViewConfirmation)
	r.Post("/confirm/{token}", h.handleClientConfirm)

	r.Group(func(r chi.Router) {
		r.Use(issuerAuth)
		r.Post("/invoices/{id}/confirmations", h.handleRequestConfirmation)
		r.Post("/invoices/{id}/collections/pause", h.handlePauseCollections)
		r.Post("/invoices/{id}/collections/resume", h.handleResumeCollections)
		r.Get("/invoices/{id}/attempts", h.handleListAttempts)
		r.Post("/confirmations/{id}/verify", h.handleVerifyConfirmation)
		r.Post("/confirmations/{id}/reject", h.handleRejectConfirmation)
		r.Post("/confirmations/{id}/cancel", h.handleCancelConfirmation)
	})

	return r
}
