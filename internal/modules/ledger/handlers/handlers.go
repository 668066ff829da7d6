// Package handlers provides HTTP handlers for the position ledger.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/modules/ledger"
)

// ConflictStore exposes the reconciler's sync-conflict rows for the
// manual review surface.
type ConflictStore interface {
	ListUnresolved() ([]domain.SyncConflict, error)
	Resolve(id int64, note string) error
}

// LedgerHandlers contains HTTP handlers for the position ledger API
type LedgerHandlers struct {
	service   *ledger.Service
	conflicts ConflictStore
	log       zerolog.Logger
}

// NewLedgerHandlers creates a new ledger handlers instance
func NewLedgerHandlers(service *ledger.Service, conflicts ConflictStore, log zerolog.Logger) *LedgerHandlers {
	return &LedgerHandlers{
		service:   service,
		conflicts: conflicts,
		log:       log.With().Str("handler", "ledger").Logger(),
	}
}

type openPositionRequest struct {
	UserID     string            `json:"user_id"`
	AccountID  string            `json:"account_id"`
	Instrument domain.Instrument `json:"instrument"`
	Quantity   int               `json:"quantity"`
	Price      domain.PriceSpec  `json:"price"`
}

type closePositionRequest struct {
	Quantity int              `json:"quantity"`
	Price    domain.PriceSpec `json:"price"`
}

type resolveConflictRequest struct {
	Note string `json:"note"`
}

// HandleOpenPosition opens (or scales into) a position
// POST /api/positions
func (h *LedgerHandlers) HandleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	position, order, err := h.service.OpenPosition(r.Context(), ledger.OpenRequest{
		UserID:     req.UserID,
		AccountID:  req.AccountID,
		Instrument: req.Instrument,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Provenance: domain.ProvenanceManual,
	})
	if err != nil {
		h.writeDomainError(w, err, "Failed to open position")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"position": position,
		"order":    order,
	})
}

// HandleClosePosition requests a close against the oversell guard
// POST /api/positions/{id}/close
func (h *LedgerHandlers) HandleClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")

	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	order, err := h.service.RequestClose(r.Context(), ledger.CloseRequest{
		PositionID: positionID,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Provenance: domain.ProvenanceManual,
	})
	if err != nil {
		h.writeDomainError(w, err, "Failed to close position")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"order": order})
}

// HandleGetPosition returns one position with its orders
// GET /api/positions/{id}
func (h *LedgerHandlers) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "id")

	position, err := h.service.GetPosition(positionID)
	if err != nil {
		h.log.Error().Err(err).Str("position_id", positionID).Msg("Failed to get position")
		http.Error(w, "Failed to get position", http.StatusInternalServerError)
		return
	}
	if position == nil {
		http.Error(w, "Position not found", http.StatusNotFound)
		return
	}

	orders, err := h.service.ListOrders(positionID)
	if err != nil {
		h.log.Error().Err(err).Str("position_id", positionID).Msg("Failed to list orders")
		http.Error(w, "Failed to list orders", http.StatusInternalServerError)
		return
	}

	available, err := h.service.AvailableQuantity(positionID)
	if err != nil {
		h.log.Error().Err(err).Str("position_id", positionID).Msg("Failed to compute availability")
		http.Error(w, "Failed to compute availability", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"position":           position,
		"orders":             orders,
		"available_quantity": available,
	})
}

// HandleListPositions returns a user's positions, newest first
// GET /api/positions?user_id=...&limit=...
func (h *LedgerHandlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil {
			limit = parsed
		}
	}

	positions, err := h.service.ListPositions(userID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("Failed to list positions")
		http.Error(w, "Failed to list positions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

// HandleListConflicts returns unresolved sync conflicts
// GET /api/conflicts
func (h *LedgerHandlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.conflicts.ListUnresolved()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list conflicts")
		http.Error(w, "Failed to list conflicts", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
}

// HandleResolveConflict marks a conflict reviewed
// POST /api/conflicts/{id}/resolve
func (h *LedgerHandlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid conflict id", http.StatusBadRequest)
		return
	}

	var req resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.conflicts.Resolve(id, req.Note); err != nil {
		h.log.Error().Err(err).Int64("conflict_id", id).Msg("Failed to resolve conflict")
		http.Error(w, "Failed to resolve conflict", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "resolved"})
}

// writeDomainError maps domain errors onto HTTP statuses. Validation
// and oversell failures are client errors; broker rejections bubble up
// with their reason.
func (h *LedgerHandlers) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var validation *domain.ValidationError
	var insufficient *domain.InsufficientQuantityError
	var rejection *domain.BrokerRejectionError

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": validation.Error()})
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     insufficient.Error(),
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": rejection.Error()})
	default:
		h.log.Error().Err(err).Msg(fallback)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) // Ignore encode error - already committed response
}
