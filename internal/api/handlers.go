/**
 * @description
 * HTTP handlers for the collections service. Handlers parse requests, call the application
 * services and translate domain errors into status codes.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/recoup/collections-service/internal/app"
	"github.com/recoup/collections-service/internal/domain"
)

const maxRequestBody = 64 << 10

// HandoffUpdater applies agency status reports.
type HandoffUpdater interface {
	ApplyUpdate(ctx context.Context, handoffID string, in app.HandoffUpdateInput) (*domain.AgencyHandoff, error)
}

// WebhookProcessor handles provider callbacks.
type WebhookProcessor interface {
	Handle(ctx context.Context, provider string, body []byte) (app.WebhookOutcome, error)
	RejectUnverified(ctx context.Context, provider string, body []byte, cause error)
}

// Confirmations runs the payment confirmation workflow.
type Confirmations interface {
	Request(ctx context.Context, actorID, invoiceID string) (*app.ConfirmationRequest, error)
	View(ctx context.Context, token string) (*app.PayerView, error)
	ClientConfirm(ctx context.Context, token string, in app.ClaimInput) (*domain.PaymentConfirmation, error)
	Verify(ctx context.Context, confirmationID, actorID string, in app.VerifyInput) (*domain.PaymentConfirmation, *domain.Settlement, error)
	Reject(ctx context.Context, confirmationID, actorID, reason string) (*domain.PaymentConfirmation, error)
	Cancel(ctx context.Context, confirmationID, actorID string, reason *string) (*domain.PaymentConfirmation, error)
}

// Invoices exposes the issuer's collection controls.
type Invoices interface {
	SetPaused(ctx context.Context, actorID, invoiceID string, paused bool) (*domain.Invoice, error)
	ListAttempts(ctx context.Context, actorID, invoiceID string) ([]domain.CollectionAttempt, error)
}

// Services groups the application services behind the HTTP API.
type Services struct {
	Sweeper       app.EscalationSweeper
	Expirer       app.ConfirmationExpirer
	Replayer      app.CallReplayer
	Handoffs      HandoffUpdater
	Webhooks      WebhookProcessor
	Confirmations Confirmations
	Invoices      Invoices
}

// Handler holds the application services that handlers interact with.
type Handler struct {
	svc            Services
	webhookSecrets map[string]string
	logger         *slog.Logger
}

// NewHandler creates a new Handler. webhookSecrets maps provider name to signing secret.
func NewHandler(svc Services, webhookSecrets map[string]string, logger *slog.Logger) *Handler {
	secrets := make(map[string]string, len(webhookSecrets))
	for name, secret := range webhookSecrets {
		secrets[strings.ToLower(name)] = secret
	}
	return &Handler{svc: svc, webhookSecrets: secrets, logger: logger}
}

// Internal routes

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Error("escalation sweep failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Escalation sweep failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleExpireConfirmations(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Expirer.ExpireStale(r.Context())
	if err != nil {
		h.logger.Error("confirmation expiry failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Confirmation expiry failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReplayJournal(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Replayer.Replay(r.Context())
	if err != nil {
		h.logger.Error("journal replay failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Journal replay failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleHandoffUpdate(w http.ResponseWriter, r *http.Request) {
	var in app.HandoffUpdateInput
	if err := decodeJSON(r, &in, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	handoff, err := h.svc.Handoffs.ApplyUpdate(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.respondWithServiceError(w, "agency handoff update", err)
		return
	}
	respondWithJSON(w, http.StatusOK, handoff)
}

// Issuer routes

func (h *Handler) handleRequestConfirmation(w http.ResponseWriter, r *http.Request) {
	actorID, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	req, err := h.svc.Confirmations.Request(r.Context(), actorID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, "request confirmation", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, req)
}

type verifyRequest struct {
	ActualAmount *decimal.Decimal `json:"actual_amount,omitempty"`
}

type verifyResponse struct {
	Confirmation *domain.PaymentConfirmation `json:"confirmation"`
	Settlement   *domain.Settlement          `json:"settlement"`
}

func (h *Handler) handleVerifyConfirmation(w http.ResponseWriter, r *http.Request) {
	actorID, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var body verifyRequest
	if err := decodeJSON(r, &body, true); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	confirmation, settlement, err := h.svc.Confirmations.Verify(r.Context(), chi.URLParam(r, "id"), actorID,
		app.VerifyInput{ActualAmount: body.ActualAmount})
	if err != nil {
		h.respondWithServiceError(w, "verify confirmation", err)
		return
	}
	respondWithJSON(w, http.StatusOK, verifyResponse{Confirmation: confirmation, Settlement: settlement})
}

type reasonRequest struct {
	Reason *string `json:"reason,omitempty"`
}

func (h *Handler) handleRejectConfirmation(w http.ResponseWriter, r *http.Request) {
	actorID, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var body reasonRequest
	if err := decodeJSON(r, &body, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reason := ""
	if body.Reason != nil {
		reason = *body.Reason
	}
	confirmation, err := h.svc.Confirmations.Reject(r.Context(), chi.URLParam(r, "id"), actorID, reason)
	if err != nil {
		h.respondWithServiceError(w, "reject confirmation", err)
		return
	}
	respondWithJSON(w, http.StatusOK, confirmation)
}

func (h *Handler) handleCancelConfirmation(w http.ResponseWriter, r *http.Request) {
	actorID, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var body reasonRequest
	if err := decodeJSON(r, &body, true); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	confirmation, err := h.svc.Confirmations.Cancel(r.Context(), chi.URLParam(r, "id"), actorID, body.Reason)
	if err != nil {
		h.respondWithServiceError(w, "cancel confirmation", err)
		return
	}
	respondWithJSON(w, http.StatusOK, confirmation)
}

func (h *Handler) handlePauseCollections(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

func (h *Handler) handleResumeCollections(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	actorID, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	invoice, err := h.svc.Invoices.SetPaused(r.Context(), actorID, chi.URLParam(r, "id"), paused)
	if err != nil {
		h.respondWithServiceError(w, "pause collections", err)
		return
	}
	respondWithJSON(w, http.StatusOK, invoice)
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	actorID, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	attempts, err := h.svc.Invoices.ListAttempts(r.Context(), actorID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithServiceError(w, "list attempts", err)
		return
	}
	respondWithJSON(w, http.StatusOK, attempts)
}

// respondWithServiceError maps issuer-facing errors to specific status codes.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, op string, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		respondWithError(w, http.StatusUnprocessableEntity, validation.Error())
	case errors.Is(err, domain.ErrTokenExpired):
		respondWithError(w, http.StatusGone, err.Error())
	default:
		switch domain.KindOf(err) {
		case domain.KindAuthorization:
			respondWithError(w, http.StatusForbidden, err.Error())
		case domain.KindNotFound:
			respondWithError(w, http.StatusNotFound, err.Error())
		case domain.KindConflict:
			respondWithError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("request failed", "op", op, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
	}
}

// decodeJSON reads a bounded JSON body. An empty body is accepted when optional is set.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if optional {
			return nil
		}
		return errors.New("request body is required")
	}
	return json.Unmarshal(body, v)
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError writes a JSON error body.
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
