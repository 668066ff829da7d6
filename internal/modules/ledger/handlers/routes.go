package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all position ledger routes
func (h *LedgerHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/positions", func(r chi.Router) {
		r.Get("/", h.HandleListPositions)        // Positions for a user
		r.Post("/", h.HandleOpenPosition)        // Open or scale into a position
		r.Get("/{id}", h.HandleGetPosition)      // One position with orders
		r.Post("/{id}/close", h.HandleClosePosition) // Close request (oversell-guarded)
	})

	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", h.HandleListConflicts)            // Unresolved sync conflicts
		r.Post("/{id}/resolve", h.HandleResolveConflict) // Mark reviewed
	})
}
