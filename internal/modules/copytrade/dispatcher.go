package copytrade

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/events"
	"github.com/dhaneshraok/optionflow/internal/modules/ledger"
)

// DispatchSummary is the aggregate result of one fan-out
type DispatchSummary struct {
	Evaluated int
	Executed  int
	Suggested int
	Skipped   int
	Failed    int
}

// Dispatcher fans a trader's fills out to subscribers. It reacts to
// ledger fill events with manual provenance; copied fills never
// re-trigger the dispatcher, so copy chains cannot cascade.
type Dispatcher struct {
	subscriptions *SubscriptionRepository
	dispatches    *DispatchRepository
	ledger        *ledger.Service
	events        *events.Manager
	log           zerolog.Logger
}

// NewDispatcher creates a new copy-trade dispatcher
func NewDispatcher(
	subscriptions *SubscriptionRepository,
	dispatches *DispatchRepository,
	ledgerService *ledger.Service,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		subscriptions: subscriptions,
		dispatches:    dispatches,
		ledger:        ledgerService,
		events:        eventManager,
		log:           log.With().Str("service", "copytrade").Logger(),
	}
}

// Start subscribes the dispatcher to ledger fill events
func (d *Dispatcher) Start(bus *events.Bus) {
	bus.Subscribe(events.OrderFilled, func(e *events.Event) {
		data, ok := e.GetTypedData().(*events.OrderFilledData)
		if !ok {
			return
		}
		if _, err := d.DispatchFill(context.Background(), data); err != nil {
			d.log.Error().Err(err).Str("order_id", data.OrderID).Msg("Copy dispatch failed")
		}
	})
}

// DispatchFill evaluates one fill for copy fan-out. Only fills with
// manual provenance fan out; a subscriber failure is isolated to that
// subscriber and never aborts siblings or the trader's own flow.
func (d *Dispatcher) DispatchFill(ctx context.Context, fill *events.OrderFilledData) (*DispatchSummary, error) {
	summary := &DispatchSummary{}

	if domain.Provenance(fill.Provenance) != domain.ProvenanceManual {
		return summary, nil
	}

	switch domain.OrderDirection(fill.Direction) {
	case domain.OrderDirectionOpen:
		return d.dispatchOpen(ctx, fill)
	case domain.OrderDirectionClose:
		return d.dispatchClose(ctx, fill)
	default:
		return summary, fmt.Errorf("unknown order direction %q", fill.Direction)
	}
}

func (d *Dispatcher) dispatchOpen(ctx context.Context, fill *events.OrderFilledData) (*DispatchSummary, error) {
	subscribers, err := d.subscriptions.ListActiveByTrader(fill.UserID)
	if err != nil {
		return nil, err
	}

	sourcePosition, err := d.ledger.GetPosition(fill.PositionID)
	if err != nil {
		return nil, err
	}
	if sourcePosition == nil {
		return nil, fmt.Errorf("source position %s not found", fill.PositionID)
	}

	summary := &DispatchSummary{}
	var mu sync.Mutex

	var g errgroup.Group
	for _, sub := range subscribers {
		sub := sub
		g.Go(func() error {
			outcome := d.copyOpenToSubscriber(ctx, sub, fill, sourcePosition.Instrument)
			mu.Lock()
			summary.Evaluated++
			summary.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	d.log.Info().
		Str("source_order_id", fill.OrderID).
		Str("trader_id", fill.UserID).
		Int("evaluated", summary.Evaluated).
		Int("executed", summary.Executed).
		Int("suggested", summary.Suggested).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("Copy fan-out complete")

	return summary, nil
}

// copyOpenToSubscriber evaluates one subscriber for an opening fill.
// The dispatch-record claim makes re-evaluation of the same
// (source order, subscriber) pair a no-op.
func (d *Dispatcher) copyOpenToSubscriber(ctx context.Context, sub domain.Subscription, fill *events.OrderFilledData, instrument domain.Instrument) domain.DispatchOutcome {
	claimed, err := d.dispatches.Claim(fill.OrderID, sub.SubscriberID)
	if err != nil {
		d.log.Error().Err(err).Str("subscriber_id", sub.SubscriberID).Msg("Dispatch claim failed")
		return domain.DispatchOutcomeFailed
	}
	if !claimed {
		return domain.DispatchOutcomeSkipped
	}

	qty := int(math.Floor(float64(fill.FilledQty) * sub.ScalingFactor))
	if qty > sub.MaxPosSize {
		qty = sub.MaxPosSize
	}
	if qty < 1 {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeSkipped, 0, "scaled quantity below one contract", nil)
		return domain.DispatchOutcomeSkipped
	}

	copiesToday, err := d.dispatches.CountCopiesToday(sub.SubscriberID, time.Now())
	if err != nil {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeFailed, qty, err.Error(), nil)
		return domain.DispatchOutcomeFailed
	}
	if copiesToday >= sub.MaxDailyCopies {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeSkipped, qty, "daily copy limit reached", nil)
		return domain.DispatchOutcomeSkipped
	}

	if !sub.AutoExecute {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeSuggested, qty, "", nil)
		d.emitSuggested(sub, fill, instrument.OCCSymbol(), qty)
		return domain.DispatchOutcomeSuggested
	}

	traderID := fill.UserID
	sourceOrderID := fill.OrderID
	_, order, err := d.ledger.OpenPosition(ctx, ledger.OpenRequest{
		UserID:         sub.SubscriberID,
		AccountID:      sub.AccountID,
		Instrument:     instrument,
		Quantity:       qty,
		Price:          domain.MarketPrice(),
		Provenance:     domain.ProvenanceCopied,
		SourceTraderID: &traderID,
		SourceOrderID:  &sourceOrderID,
	})
	if err != nil {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeFailed, qty, err.Error(), nil)
		d.emitFailed(sub, fill, err)
		return domain.DispatchOutcomeFailed
	}

	d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeExecuted, qty, "", &order.ID)
	d.emitExecuted(sub, fill, instrument.OCCSymbol(), qty, order.ID)
	return domain.DispatchOutcomeExecuted
}

func (d *Dispatcher) dispatchClose(ctx context.Context, fill *events.OrderFilledData) (*DispatchSummary, error) {
	copied, err := d.ledger.ListCopiedPositionsBySource(fill.PositionID)
	if err != nil {
		return nil, err
	}

	summary := &DispatchSummary{}
	var mu sync.Mutex

	var g errgroup.Group
	for _, position := range copied {
		position := position
		g.Go(func() error {
			outcome := d.closeCopiedPosition(ctx, position, fill)
			mu.Lock()
			summary.Evaluated++
			summary.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return summary, nil
}

// closeCopiedPosition unwinds one subscriber's copied position after
// the trader closed. The full remaining copied quantity closes: partial
// trader closes are not mirrored pro-rata.
func (d *Dispatcher) closeCopiedPosition(ctx context.Context, position domain.Position, fill *events.OrderFilledData) domain.DispatchOutcome {
	sub, err := d.subscriptions.GetActiveEdge(position.UserID, fill.UserID)
	if err != nil {
		d.log.Error().Err(err).Str("subscriber_id", position.UserID).Msg("Subscription lookup failed")
		return domain.DispatchOutcomeFailed
	}
	if sub == nil {
		// Subscription gone; the subscriber manages the position alone.
		return domain.DispatchOutcomeSkipped
	}

	claimed, err := d.dispatches.Claim(fill.OrderID, sub.SubscriberID)
	if err != nil {
		d.log.Error().Err(err).Str("subscriber_id", sub.SubscriberID).Msg("Dispatch claim failed")
		return domain.DispatchOutcomeFailed
	}
	if !claimed {
		return domain.DispatchOutcomeSkipped
	}

	available, err := d.ledger.AvailableQuantity(position.ID)
	if err != nil {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeFailed, 0, err.Error(), nil)
		return domain.DispatchOutcomeFailed
	}
	if available < 1 {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeSkipped, 0, "no copied quantity left to close", nil)
		return domain.DispatchOutcomeSkipped
	}

	if !sub.AutoExecute {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeSuggested, available, "close suggestion", nil)
		d.emitSuggested(*sub, fill, position.Instrument.OCCSymbol(), available)
		return domain.DispatchOutcomeSuggested
	}

	traderID := fill.UserID
	sourceOrderID := fill.OrderID
	order, err := d.ledger.RequestClose(ctx, ledger.CloseRequest{
		PositionID:     position.ID,
		Quantity:       available,
		Price:          domain.MarketPrice(),
		Provenance:     domain.ProvenanceCopied,
		SourceTraderID: &traderID,
		SourceOrderID:  &sourceOrderID,
	})
	if err != nil {
		d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeFailed, available, err.Error(), nil)
		d.emitFailed(*sub, fill, err)
		return domain.DispatchOutcomeFailed
	}

	d.recordOutcome(fill.OrderID, sub.SubscriberID, domain.DispatchOutcomeExecuted, available, "", &order.ID)
	d.emitExecuted(*sub, fill, position.Instrument.OCCSymbol(), available, order.ID)
	return domain.DispatchOutcomeExecuted
}

func (d *Dispatcher) recordOutcome(sourceOrderID, subscriberID string, outcome domain.DispatchOutcome, qty int, reason string, copiedOrderID *string) {
	if err := d.dispatches.SetOutcome(sourceOrderID, subscriberID, outcome, qty, reason, copiedOrderID); err != nil {
		d.log.Error().Err(err).
			Str("source_order_id", sourceOrderID).
			Str("subscriber_id", subscriberID).
			Msg("Failed to record dispatch outcome")
	}
}

func (d *Dispatcher) emitSuggested(sub domain.Subscription, fill *events.OrderFilledData, symbol string, qty int) {
	if d.events == nil {
		return
	}
	d.events.EmitTyped(events.CopySuggested, "copytrade", &events.CopySuggestedData{
		SubscriberID:  sub.SubscriberID,
		TraderID:      fill.UserID,
		SourceOrderID: fill.OrderID,
		Symbol:        symbol,
		Direction:     fill.Direction,
		SuggestedQty:  qty,
	})
}

func (d *Dispatcher) emitExecuted(sub domain.Subscription, fill *events.OrderFilledData, symbol string, qty int, copiedOrderID string) {
	if d.events == nil {
		return
	}
	d.events.EmitTyped(events.CopyExecuted, "copytrade", &events.CopyExecutedData{
		SubscriberID:  sub.SubscriberID,
		TraderID:      fill.UserID,
		SourceOrderID: fill.OrderID,
		CopiedOrderID: copiedOrderID,
		Symbol:        symbol,
		Quantity:      qty,
	})
}

func (d *Dispatcher) emitFailed(sub domain.Subscription, fill *events.OrderFilledData, failure error) {
	if d.events == nil {
		return
	}
	d.events.EmitTyped(events.CopyFailed, "copytrade", &events.CopyFailedData{
		SubscriberID:  sub.SubscriberID,
		SourceOrderID: fill.OrderID,
		Reason:        failure.Error(),
	})
}

func (s *DispatchSummary) add(outcome domain.DispatchOutcome) {
	switch outcome {
	case domain.DispatchOutcomeExecuted:
		s.Executed++
	case domain.DispatchOutcomeSuggested:
		s.Suggested++
	case domain.DispatchOutcomeSkipped:
		s.Skipped++
	case domain.DispatchOutcomeFailed:
		s.Failed++
	}
}
