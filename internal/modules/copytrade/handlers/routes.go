package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all copy-trade routes
func (h *CopytradeHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.HandleListSubscriptions)
		r.Post("/", h.HandleCreateSubscription)
		r.Post("/{id}/pause", h.HandlePauseSubscription)
		r.Post("/{id}/resume", h.HandleResumeSubscription)
		r.Put("/{id}/settings", h.HandleUpdateSettings)
		r.Delete("/{id}", h.HandleCancelSubscription)
	})

	r.Get("/dispatches", h.HandleDispatchHistory)
}
