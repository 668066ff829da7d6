package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/database"
	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/events"
)

// OpenRequest describes an opening (buy-to-open) order
type OpenRequest struct {
	UserID         string
	AccountID      string
	Instrument     domain.Instrument
	Quantity       int
	Price          domain.PriceSpec
	Provenance     domain.Provenance
	SourceTraderID *string
	SourceOrderID  *string
}

// CloseRequest describes a closing (sell-to-close) order
type CloseRequest struct {
	PositionID     string
	Quantity       int
	Price          domain.PriceSpec
	Provenance     domain.Provenance
	SourceTraderID *string
	SourceOrderID  *string
}

// Service is the position ledger. It owns all mutations of positions
// and orders: opening, close requests gated by the oversell guard, and
// the idempotent fill/cancel entry points driven by the reconciler.
type Service struct {
	db        *database.DB
	positions *PositionRepository
	orders    *OrderRepository
	guard     *OversellGuard
	broker    domain.BrokerClient
	events    *events.Manager
	locks     *positionLocks
	log       zerolog.Logger
}

// NewService creates a new ledger service. broker may be nil, in which
// case orders are recorded but never sent (webhook-only operation and
// tests).
func NewService(
	db *database.DB,
	positions *PositionRepository,
	orders *OrderRepository,
	guard *OversellGuard,
	broker domain.BrokerClient,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Service {
	return &Service{
		db:        db,
		positions: positions,
		orders:    orders,
		guard:     guard,
		broker:    broker,
		events:    eventManager,
		locks:     newPositionLocks(),
		log:       log.With().Str("service", "ledger").Logger(),
	}
}

// OpenPosition creates (or scales into) a position and a pending
// opening order, then submits the order to the broker. Multiple opens
// for the same user and contract land in the same open position.
func (s *Service) OpenPosition(ctx context.Context, req OpenRequest) (*domain.Position, *domain.Order, error) {
	if req.Quantity <= 0 {
		return nil, nil, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if err := req.Instrument.Validate(); err != nil {
		return nil, nil, err
	}
	if err := req.Price.Validate(); err != nil {
		return nil, nil, err
	}
	if req.Provenance == "" {
		req.Provenance = domain.ProvenanceManual
	}

	// Serialize concurrent opens of the same (user, contract) so only
	// one position row is created; the partial unique index backs this
	// up at the database level.
	identityKey := req.UserID + "|" + req.Instrument.Key()
	unlockIdentity := s.locks.Lock(identityKey)
	defer unlockIdentity()

	var position *domain.Position
	var order *domain.Order

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		existing, err := s.positions.GetOpenByUserInstrument(tx, req.UserID, req.Instrument.Key())
		if err != nil {
			return err
		}

		if existing != nil {
			position = existing
		} else {
			position = &domain.Position{
				ID:         uuid.NewString(),
				UserID:     req.UserID,
				AccountID:  req.AccountID,
				Instrument: req.Instrument,
				Status:     domain.PositionStatusOpen,
				OpenedAt:   time.Now().UTC(),
			}
			if err := s.positions.Create(tx, position); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		order = &domain.Order{
			ID:             uuid.NewString(),
			PositionID:     position.ID,
			AccountID:      req.AccountID,
			Direction:      domain.OrderDirectionOpen,
			Status:         domain.OrderStatusPending,
			Provenance:     req.Provenance,
			SourceTraderID: req.SourceTraderID,
			SourceOrderID:  req.SourceOrderID,
			RequestedQty:   req.Quantity,
			PriceSpec:      req.Price,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return s.orders.Create(tx, order)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open position: %w", err)
	}

	if err := s.submitOrder(ctx, position, order); err != nil {
		return position, order, err
	}

	return position, order, nil
}

// RequestClose validates a closing request against the oversell guard
// and creates a pending closing order. The guard check and the order
// insert run as one atomic unit under the position lock: of two
// concurrent closes that together exceed availability, the first to
// acquire the lock wins and the loser is rejected, never truncated.
func (s *Service) RequestClose(ctx context.Context, req CloseRequest) (*domain.Order, error) {
	if req.Quantity <= 0 {
		return nil, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if err := req.Price.Validate(); err != nil {
		return nil, err
	}
	if req.Provenance == "" {
		req.Provenance = domain.ProvenanceManual
	}

	unlock := s.locks.Lock(req.PositionID)
	defer unlock()

	var position *domain.Position
	var order *domain.Order

	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var err error
		position, err = s.positions.GetByID(tx, req.PositionID)
		if err != nil {
			return err
		}
		if position == nil {
			return &domain.ValidationError{Field: "position_id", Reason: "not found"}
		}
		if position.Status != domain.PositionStatusOpen {
			return &domain.ValidationError{Field: "position_id", Reason: "position is not open"}
		}

		if err := s.guard.CheckClose(tx, position, req.Quantity, ""); err != nil {
			return err
		}

		now := time.Now().UTC()
		order = &domain.Order{
			ID:             uuid.NewString(),
			PositionID:     position.ID,
			AccountID:      position.AccountID,
			Direction:      domain.OrderDirectionClose,
			Status:         domain.OrderStatusPending,
			Provenance:     req.Provenance,
			SourceTraderID: req.SourceTraderID,
			SourceOrderID:  req.SourceOrderID,
			RequestedQty:   req.Quantity,
			PriceSpec:      req.Price,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return s.orders.Create(tx, order)
	})
	if err != nil {
		var insufficient *domain.InsufficientQuantityError
		var validation *domain.ValidationError
		if errors.As(err, &insufficient) || errors.As(err, &validation) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to request close: %w", err)
	}

	if err := s.submitOrder(ctx, position, order); err != nil {
		return order, err
	}

	return order, nil
}

// submitOrder sends a freshly created order to the broker and records
// the broker's acknowledgement id. A broker rejection marks the order
// rejected; transient failures leave it pending for the stale-order
// sweep to flag if they never resolve.
func (s *Service) submitOrder(ctx context.Context, position *domain.Position, order *domain.Order) error {
	if s.broker == nil {
		return nil
	}

	ack, err := s.broker.PlaceOrder(ctx, order.AccountID, position.Instrument, order.Direction.Side(), order.RequestedQty, order.PriceSpec)
	if err != nil {
		var rejection *domain.BrokerRejectionError
		if errors.As(err, &rejection) {
			if dbErr := s.orders.UpdateStatus(s.db.Conn(), order.ID, domain.OrderStatusRejected, rejection.Reason); dbErr != nil {
				s.log.Error().Err(dbErr).Str("order_id", order.ID).Msg("Failed to mark order rejected")
			}
			order.Status = domain.OrderStatusRejected
			order.StatusReason = rejection.Reason
			return err
		}

		s.log.Warn().Err(err).
			Str("order_id", order.ID).
			Msg("Broker submission failed, order left pending")
		return fmt.Errorf("failed to submit order to broker: %w", err)
	}

	if err := s.orders.SetBrokerOrderID(s.db.Conn(), order.ID, ack.BrokerOrderID); err != nil {
		return err
	}
	order.BrokerOrderID = &ack.BrokerOrderID

	s.log.Info().
		Str("order_id", order.ID).
		Str("broker_order_id", ack.BrokerOrderID).
		Msg("Order submitted to broker")

	return nil
}

// ApplyFill merges a broker fill report into the ledger, keyed by the
// broker order id. It is idempotent: re-applying an identical report
// for an already-filled order is a no-op, and downstream events fire
// only on the status transition. Contradictory reports surface as
// SyncConflictError.
func (s *Service) ApplyFill(brokerOrderID string, filledQty int, avgPrice float64, ts time.Time) error {
	if filledQty <= 0 {
		return &domain.SyncConflictError{BrokerOrderID: brokerOrderID, Reason: fmt.Sprintf("non-positive filled quantity %d", filledQty)}
	}

	ref, err := s.orders.GetByBrokerOrderID(s.db.Conn(), brokerOrderID)
	if err != nil {
		return err
	}
	if ref == nil {
		return &domain.SyncConflictError{BrokerOrderID: brokerOrderID, Reason: "no order with this broker id"}
	}

	unlock := s.locks.Lock(ref.PositionID)
	defer unlock()

	var becameFilled, becameClosed bool
	var order *domain.Order
	var position *domain.Position

	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var err error
		order, err = s.orders.GetByID(tx, ref.ID)
		if err != nil {
			return err
		}

		if filledQty > order.RequestedQty {
			return &domain.SyncConflictError{
				BrokerOrderID: brokerOrderID,
				Reason:        fmt.Sprintf("filled %d exceeds requested %d", filledQty, order.RequestedQty),
			}
		}

		if order.Status.IsTerminal() {
			if order.Status == domain.OrderStatusFilled && order.FilledQty == filledQty {
				// Duplicate delivery of the same terminal fill.
				return nil
			}
			return &domain.SyncConflictError{
				BrokerOrderID: brokerOrderID,
				Reason:        fmt.Sprintf("fill reported for order already %s", order.Status),
			}
		}

		if filledQty < order.FilledQty {
			return &domain.SyncConflictError{
				BrokerOrderID: brokerOrderID,
				Reason:        fmt.Sprintf("fill regression: reported %d after %d", filledQty, order.FilledQty),
			}
		}

		order.FilledQty = filledQty
		order.AvgFillPrice = avgPrice
		if filledQty == order.RequestedQty {
			order.Status = domain.OrderStatusFilled
			if order.FilledAt == nil {
				t := ts.UTC()
				order.FilledAt = &t
			}
			becameFilled = true
		} else {
			order.Status = domain.OrderStatusPartial
		}
		if err := s.orders.UpdateFill(tx, order); err != nil {
			return err
		}

		position, err = s.positions.GetByID(tx, order.PositionID)
		if err != nil {
			return err
		}
		wasClosed := position.Status == domain.PositionStatusClosed

		orders, err := s.orders.ListByPosition(tx, position.ID)
		if err != nil {
			return err
		}
		recomputeAggregates(position, orders, time.Now())

		becameClosed = !wasClosed && position.Status == domain.PositionStatusClosed

		return s.positions.UpdateAggregates(tx, position)
	})
	if err != nil {
		return err
	}

	s.emitFillEvents(position, order, becameFilled, becameClosed)
	return nil
}

// ApplyCancelOrReject transitions an order to cancelled or rejected.
// Quantity the oversell guard had reserved for the order is released
// as a consequence of the status change. Idempotent on re-delivery.
func (s *Service) ApplyCancelOrReject(brokerOrderID string, status domain.OrderStatus, reason string) error {
	if status != domain.OrderStatusCancelled && status != domain.OrderStatusRejected {
		return &domain.ValidationError{Field: "status", Reason: "must be cancelled or rejected"}
	}

	ref, err := s.orders.GetByBrokerOrderID(s.db.Conn(), brokerOrderID)
	if err != nil {
		return err
	}
	if ref == nil {
		return &domain.SyncConflictError{BrokerOrderID: brokerOrderID, Reason: "no order with this broker id"}
	}

	unlock := s.locks.Lock(ref.PositionID)
	defer unlock()

	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		order, err := s.orders.GetByID(tx, ref.ID)
		if err != nil {
			return err
		}

		if order.Status == status {
			// Duplicate delivery of the same terminal event.
			return nil
		}
		if order.Status == domain.OrderStatusFilled {
			return &domain.SyncConflictError{
				BrokerOrderID: brokerOrderID,
				Reason:        fmt.Sprintf("%s reported for already filled order", status),
			}
		}

		if err := s.orders.UpdateStatus(tx, order.ID, status, reason); err != nil {
			return err
		}

		position, err := s.positions.GetByID(tx, order.PositionID)
		if err != nil {
			return err
		}
		orders, err := s.orders.ListByPosition(tx, position.ID)
		if err != nil {
			return err
		}
		recomputeAggregates(position, orders, time.Now())

		s.log.Info().
			Str("order_id", order.ID).
			Str("broker_order_id", brokerOrderID).
			Str("status", string(status)).
			Str("reason", reason).
			Msg("Order terminal transition applied")

		return s.positions.UpdateAggregates(tx, position)
	})
}

// ExpireStalePending marks pending orders older than maxAge as unknown
// and returns them for conflict recording. Unknown orders are NOT
// auto-cancelled (the broker may yet fill them) and keep reserving
// quantity as a conservative hold until manually resolved.
func (s *Service) ExpireStalePending(maxAge time.Duration) ([]domain.Order, error) {
	cutoff := time.Now().Add(-maxAge)

	stale, err := s.orders.ListStalePending(cutoff)
	if err != nil {
		return nil, err
	}

	var expired []domain.Order
	for _, o := range stale {
		unlock := s.locks.Lock(o.PositionID)
		reason := fmt.Sprintf("unresolved after %s", maxAge)
		err := s.orders.UpdateStatus(s.db.Conn(), o.ID, domain.OrderStatusUnknown, reason)
		unlock()
		if err != nil {
			s.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to mark stale order unknown")
			continue
		}

		o.Status = domain.OrderStatusUnknown
		o.StatusReason = reason
		expired = append(expired, o)

		s.log.Warn().
			Str("order_id", o.ID).
			Time("created_at", o.CreatedAt).
			Msg("Pending order expired to unknown")
	}

	return expired, nil
}

// GetPosition retrieves a position by id
func (s *Service) GetPosition(positionID string) (*domain.Position, error) {
	return s.positions.GetByID(s.db.Conn(), positionID)
}

// GetOrder retrieves an order by id
func (s *Service) GetOrder(orderID string) (*domain.Order, error) {
	return s.orders.GetByID(s.db.Conn(), orderID)
}

// ListPositions retrieves a user's positions, newest first
func (s *Service) ListPositions(userID string, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.positions.ListByUser(userID, limit)
}

// ListOrders retrieves all orders for a position
func (s *Service) ListOrders(positionID string) ([]domain.Order, error) {
	return s.orders.ListByPosition(s.db.Conn(), positionID)
}

// GetOrderByBrokerID retrieves an order by its broker-assigned id
func (s *Service) GetOrderByBrokerID(brokerOrderID string) (*domain.Order, error) {
	return s.orders.GetByBrokerOrderID(s.db.Conn(), brokerOrderID)
}

// ListUnresolvedOrders returns pending/partial orders for the
// reconciler to resume from.
func (s *Service) ListUnresolvedOrders() ([]domain.Order, error) {
	return s.orders.ListUnresolved()
}

// ListCopiedPositionsBySource finds subscribers' open copied positions
// traceable to a source position.
func (s *Service) ListCopiedPositionsBySource(sourcePositionID string) ([]domain.Position, error) {
	return s.orders.ListCopiedPositionsBySource(sourcePositionID)
}

// AvailableQuantity reports the quantity currently available to close.
func (s *Service) AvailableQuantity(positionID string) (int, error) {
	position, err := s.positions.GetByID(s.db.Conn(), positionID)
	if err != nil {
		return 0, err
	}
	if position == nil {
		return 0, &domain.ValidationError{Field: "position_id", Reason: "not found"}
	}
	return s.guard.AvailableQuantity(s.db.Conn(), position, "")
}

func (s *Service) emitFillEvents(position *domain.Position, order *domain.Order, becameFilled, becameClosed bool) {
	if s.events == nil {
		return
	}

	if becameFilled {
		s.events.EmitTyped(events.OrderFilled, "ledger", &events.OrderFilledData{
			OrderID:    order.ID,
			PositionID: position.ID,
			UserID:     position.UserID,
			AccountID:  order.AccountID,
			Direction:  string(order.Direction),
			Provenance: string(order.Provenance),
			FilledQty:  order.FilledQty,
			AvgPrice:   order.AvgFillPrice,
		})

		if order.Direction == domain.OrderDirectionOpen {
			s.events.EmitTyped(events.TradeOpened, "ledger", &events.TradeOpenedData{
				PositionID: position.ID,
				UserID:     position.UserID,
				Symbol:     position.Instrument.OCCSymbol(),
				Quantity:   order.FilledQty,
				AvgPrice:   order.AvgFillPrice,
			})
		}
	}

	if becameClosed {
		s.events.EmitTyped(events.TradeClosed, "ledger", &events.TradeClosedData{
			PositionID: position.ID,
			UserID:     position.UserID,
			Symbol:     position.Instrument.OCCSymbol(),
			PnL:        position.RealizedPnL,
			PnLPercent: position.RealizedPnLPercent(),
		})
	}
}
