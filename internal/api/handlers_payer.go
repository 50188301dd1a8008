package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/recoup/collections-service/internal/app"
	"github.com/recoup/collections-service/internal/domain"
)

// invalidLinkMessage is shown for every unknown, expired or closed link so the payer
// cannot probe which tokens exist.
const invalidLinkMessage = "This confirmation link is not valid"

type claimRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Method string          `json:"method"`
	PaidOn string          `json:"paid_on"`
	Notes  *string         `json:"notes,omitempty"`
}

func (h *Handler) handleViewConfirmation(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Confirmations.View(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondWithPayerError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleClientConfirm(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if err := decodeJSON(r, &body, false); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	in := app.ClaimInput{
		Amount: body.Amount,
		Method: domain.PaymentMethod(strings.ToLower(strings.TrimSpace(body.Method))),
		Notes:  body.Notes,
	}
	if paidOn := strings.TrimSpace(body.PaidOn); paidOn != "" {
		parsed, err := time.Parse("2006-01-02", paidOn)
		if err != nil {
			respondWithError(w, http.StatusUnprocessableEntity, "paid_on: must be a date formatted YYYY-MM-DD")
			return
		}
		in.PaidOn = parsed
	}

	confirmation, err := h.svc.Confirmations.ClientConfirm(r.Context(), chi.URLParam(r, "token"), in)
	if err != nil {
		h.respondWithPayerError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":  confirmation.Status,
		"message": "Thank you. The sender has been asked to confirm your payment.",
	})
}

func (h *Handler) respondWithPayerError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		respondWithError(w, http.StatusUnprocessableEntity, validation.Error())
	case errors.Is(err, domain.ErrAlreadyConfirmed):
		respondWithError(w, http.StatusConflict, "This payment has already been confirmed")
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrTokenExpired), errors.Is(err, domain.ErrConfirmationClosed):
		respondWithError(w, http.StatusNotFound, invalidLinkMessage)
	default:
		h.logger.Error("payer request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}
