package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/recoup/collections-service/internal/app"
)

const signatureHeader = "X-Signature"

var (
	errUnknownProvider  = errors.New("no signing secret configured for provider")
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("signature mismatch")
)

func (h *Handler) handleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := verifySignature(h.webhookSecrets[provider], body, r.Header.Get(signatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", "provider", provider, "error", err)
		h.svc.Webhooks.RejectUnverified(r.Context(), provider, body, err)
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	outcome, err := h.svc.Webhooks.Handle(r.Context(), provider, body)
	if err != nil {
		if app.IsWebhookValidation(err) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("webhook processing failed", "provider", provider, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	status := http.StatusOK
	if outcome == app.WebhookDeferred {
		status = http.StatusAccepted
	}
	respondWithJSON(w, status, map[string]string{"status": string(outcome)})
}

// verifySignature checks a hex HMAC-SHA256 of the raw body, optionally prefixed with "sha256=".
func verifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return errUnknownProvider
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" {
		return errMissingSignature
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return errBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return errBadSignature
	}
	return nil
}
