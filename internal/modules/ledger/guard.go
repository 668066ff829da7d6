package ledger

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// OversellGuard computes the quantity available to close on a position
// and rejects closing orders that exceed it. The check and the order
// insert must run under the same position lock and transaction so two
// concurrent close requests can never both pass against the same
// availability.
type OversellGuard struct {
	orders *OrderRepository
	log    zerolog.Logger
}

// NewOversellGuard creates a new oversell guard
func NewOversellGuard(orders *OrderRepository, log zerolog.Logger) *OversellGuard {
	return &OversellGuard{
		orders: orders,
		log:    log.With().Str("service", "oversell_guard").Logger(),
	}
}

// AvailableQuantity returns the quantity available to close:
// filled buys minus filled sells minus quantity reserved by in-flight
// closing orders, excluding the order under evaluation.
func (g *OversellGuard) AvailableQuantity(q Querier, p *domain.Position, excludeOrderID string) (int, error) {
	pendingSell, err := g.orders.PendingSellQty(q, p.ID, excludeOrderID)
	if err != nil {
		return 0, fmt.Errorf("failed to compute availability: %w", err)
	}

	available := p.FilledBuyQty - p.FilledSellQty - pendingSell
	if available < 0 {
		// Should be unreachable while the invariant holds; surface loudly.
		g.log.Error().
			Str("position_id", p.ID).
			Int("filled_buy", p.FilledBuyQty).
			Int("filled_sell", p.FilledSellQty).
			Int("pending_sell", pendingSell).
			Msg("Negative availability detected")
		available = 0
	}

	return available, nil
}

// CheckClose validates a closing request against availability. Returns
// InsufficientQuantityError when the request exceeds it.
func (g *OversellGuard) CheckClose(q Querier, p *domain.Position, requestedQty int, excludeOrderID string) error {
	available, err := g.AvailableQuantity(q, p, excludeOrderID)
	if err != nil {
		return err
	}

	if requestedQty > available {
		g.log.Warn().
			Str("position_id", p.ID).
			Int("requested", requestedQty).
			Int("available", available).
			Msg("Close request rejected by oversell guard")
		return &domain.InsufficientQuantityError{Requested: requestedQty, Available: available}
	}

	return nil
}
