package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/modules/reconciler"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookHandlers receives broker push notifications. Every request is
// authenticated with an HMAC-SHA256 signature over the raw body before
// any side effect runs.
type WebhookHandlers struct {
	secret     []byte
	reconciler *reconciler.Service
	log        zerolog.Logger
}

// NewWebhookHandlers creates a new webhook handlers instance
func NewWebhookHandlers(secret string, reconcilerService *reconciler.Service, log zerolog.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		secret:     []byte(secret),
		reconciler: reconcilerService,
		log:        log.With().Str("handler", "webhook").Logger(),
	}
}

// HandleBrokerOrderEvent handles POST /api/webhooks/broker
func (h *WebhookHandlers) HandleBrokerOrderEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		h.log.Warn().
			Str("remote_addr", r.RemoteAddr).
			Msg("Rejected webhook with invalid signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt domain.BrokerOrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.reconciler.HandleOrderEvent(evt); err != nil {
		h.log.Error().
			Err(err).
			Str("broker_order_id", evt.BrokerOrderID).
			Msg("Failed to process webhook event")
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// verifySignature checks the hex-encoded HMAC-SHA256 of the raw body.
// Comparison is constant-time.
func (h *WebhookHandlers) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
