// Package handlers provides HTTP handlers for copy-trade subscriptions.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/modules/copytrade"
)

// CopytradeHandlers contains HTTP handlers for the copy-trade API
type CopytradeHandlers struct {
	subscriptions *copytrade.SubscriptionRepository
	dispatches    *copytrade.DispatchRepository
	log           zerolog.Logger
}

// NewCopytradeHandlers creates a new copytrade handlers instance
func NewCopytradeHandlers(
	subscriptions *copytrade.SubscriptionRepository,
	dispatches *copytrade.DispatchRepository,
	log zerolog.Logger,
) *CopytradeHandlers {
	return &CopytradeHandlers{
		subscriptions: subscriptions,
		dispatches:    dispatches,
		log:           log.With().Str("handler", "copytrade").Logger(),
	}
}

type createSubscriptionRequest struct {
	SubscriberID   string  `json:"subscriber_id"`
	TraderID       string  `json:"trader_id"`
	AccountID      string  `json:"account_id"`
	AutoExecute    bool    `json:"auto_execute"`
	MaxPosSize     int     `json:"max_position_size"`
	MaxDailyCopies int     `json:"max_daily_copies"`
	ScalingFactor  float64 `json:"scaling_factor"`
}

type updateSettingsRequest struct {
	AutoExecute    bool    `json:"auto_execute"`
	MaxPosSize     int     `json:"max_position_size"`
	MaxDailyCopies int     `json:"max_daily_copies"`
	ScalingFactor  float64 `json:"scaling_factor"`
}

// HandleCreateSubscription creates a subscription edge
// POST /api/subscriptions
func (h *CopytradeHandlers) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:             uuid.NewString(),
		SubscriberID:   req.SubscriberID,
		TraderID:       req.TraderID,
		AccountID:      req.AccountID,
		Status:         domain.SubscriptionStatusActive,
		AutoExecute:    req.AutoExecute,
		MaxPosSize:     req.MaxPosSize,
		MaxDailyCopies: req.MaxDailyCopies,
		ScalingFactor:  req.ScalingFactor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := sub.Validate(); err != nil {
		var validation *domain.ValidationError
		if errors.As(err, &validation) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": validation.Error()})
			return
		}
		http.Error(w, "Invalid subscription", http.StatusBadRequest)
		return
	}

	if err := h.subscriptions.Create(sub); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": "subscription to this trader already exists",
			})
			return
		}
		h.log.Error().Err(err).Msg("Failed to create subscription")
		http.Error(w, "Failed to create subscription", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"subscription": sub})
}

// HandleListSubscriptions returns a subscriber's live subscriptions
// GET /api/subscriptions?subscriber_id=...
func (h *CopytradeHandlers) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		http.Error(w, "subscriber_id is required", http.StatusBadRequest)
		return
	}

	subscriptions, err := h.subscriptions.ListBySubscriber(subscriberID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list subscriptions")
		http.Error(w, "Failed to list subscriptions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subscriptions})
}

// HandlePauseSubscription pauses copying without losing settings
// POST /api/subscriptions/{id}/pause
func (h *CopytradeHandlers) HandlePauseSubscription(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.SubscriptionStatusPaused)
}

// HandleResumeSubscription reactivates a paused subscription
// POST /api/subscriptions/{id}/resume
func (h *CopytradeHandlers) HandleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.SubscriptionStatusActive)
}

// HandleCancelSubscription soft-deletes a subscription
// DELETE /api/subscriptions/{id}
func (h *CopytradeHandlers) HandleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.SubscriptionStatusCancelled)
}

func (h *CopytradeHandlers) setStatus(w http.ResponseWriter, r *http.Request, status domain.SubscriptionStatus) {
	id := chi.URLParam(r, "id")

	if err := h.subscriptions.SetStatus(id, status); err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, "Subscription not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("subscription_id", id).Msg("Failed to change subscription status")
		http.Error(w, "Failed to change subscription status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": string(status)})
}

// HandleUpdateSettings changes a subscription's risk limits
// PUT /api/subscriptions/{id}/settings
func (h *CopytradeHandlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.MaxPosSize <= 0 || req.MaxDailyCopies <= 0 || req.ScalingFactor <= 0 {
		http.Error(w, "Limits must be positive", http.StatusBadRequest)
		return
	}

	if err := h.subscriptions.UpdateSettings(id, req.AutoExecute, req.MaxPosSize, req.MaxDailyCopies, req.ScalingFactor); err != nil {
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, "Subscription not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("subscription_id", id).Msg("Failed to update settings")
		http.Error(w, "Failed to update settings", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "updated"})
}

// HandleDispatchHistory returns a subscriber's copy-dispatch records
// GET /api/dispatches?subscriber_id=...&limit=...
func (h *CopytradeHandlers) HandleDispatchHistory(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber_id")
	if subscriberID == "" {
		http.Error(w, "subscriber_id is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			limit = parsed
		}
	}

	records, err := h.dispatches.ListBySubscriber(subscriberID, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list dispatches")
		http.Error(w, "Failed to list dispatches", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"dispatches": records})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) // Ignore encode error - already committed response
}
