package ledger

import (
	"time"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// recomputeAggregates rebuilds a position's aggregate fields from its
// full order history, replayed in deterministic fill order. It is a
// pure function of the order set, so re-running it after a duplicate
// event produces identical aggregates.
//
// Average-cost model: the entry price used for P&L on any closing fill
// is the running weighted average of all filled buys up to that point,
// including quantity already closed. Lot matching (FIFO/LIFO) is a
// deliberate non-feature.
func recomputeAggregates(p *domain.Position, orders []domain.Order, now time.Time) {
	var buyQty, sellQty int
	var buyCost, proceeds, realized, avgEntry float64

	for _, o := range orders {
		if o.FilledQty <= 0 {
			continue
		}

		value := float64(o.FilledQty) * o.AvgFillPrice * domain.ContractMultiplier

		switch o.Direction {
		case domain.OrderDirectionOpen:
			buyQty += o.FilledQty
			buyCost += value
			avgEntry = buyCost / (float64(buyQty) * domain.ContractMultiplier)
		case domain.OrderDirectionClose:
			sellQty += o.FilledQty
			proceeds += value
			realized += (o.AvgFillPrice - avgEntry) * float64(o.FilledQty) * domain.ContractMultiplier
		}
	}

	p.FilledBuyQty = buyQty
	p.FilledSellQty = sellQty
	p.CostBasis = buyCost
	p.Proceeds = proceeds
	p.RealizedPnL = realized
	p.AvgEntryPrice = avgEntry

	// status = closed iff filled buys > 0 and fully sold. Expired and
	// cancelled positions keep their status.
	if p.Status != domain.PositionStatusOpen && p.Status != domain.PositionStatusClosed {
		return
	}

	if buyQty > 0 && sellQty == buyQty {
		p.Status = domain.PositionStatusClosed
		if p.ClosedAt == nil {
			t := now.UTC()
			p.ClosedAt = &t
		}
	} else {
		p.Status = domain.PositionStatusOpen
		p.ClosedAt = nil
	}
}
