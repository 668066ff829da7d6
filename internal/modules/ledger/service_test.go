package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/events"
	testingpkg "github.com/dhaneshraok/optionflow/internal/testing"
)

type ledgerFixture struct {
	svc    *Service
	broker *testingpkg.PaperBroker
	bus    *events.Bus
}

func newLedgerFixture(t *testing.T) (*ledgerFixture, func()) {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "ledger")
	log := zerolog.Nop()

	positions := NewPositionRepository(db.Conn(), log)
	orders := NewOrderRepository(db.Conn(), log)
	guard := NewOversellGuard(orders, log)
	broker := testingpkg.NewPaperBroker()
	bus := events.NewBus()

	svc := NewService(db, positions, orders, guard, broker, events.NewManager(bus, log), log)
	return &ledgerFixture{svc: svc, broker: broker, bus: bus}, cleanup
}

func testInstrument() domain.Instrument {
	return domain.Instrument{
		Underlying: "AAPL",
		Expiration: "2026-10-16",
		OptionType: domain.OptionTypeCall,
		Strike:     190,
	}
}

// openFilled opens a position and applies a full fill, returning the
// position id.
func openFilled(t *testing.T, f *ledgerFixture, qty int, price float64) string {
	t.Helper()

	position, _, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID:     "user-1",
		AccountID:  "acct-1",
		Instrument: testInstrument(),
		Quantity:   qty,
		Price:      domain.MarketPrice(),
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.ApplyFill(f.broker.LastBrokerID(), qty, price, time.Now()))
	return position.ID
}

func TestOpenPosition_Validation(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	tests := []struct {
		name string
		req  OpenRequest
	}{
		{
			name: "zero quantity",
			req:  OpenRequest{UserID: "u", AccountID: "a", Instrument: testInstrument(), Quantity: 0, Price: domain.MarketPrice()},
		},
		{
			name: "negative quantity",
			req:  OpenRequest{UserID: "u", AccountID: "a", Instrument: testInstrument(), Quantity: -3, Price: domain.MarketPrice()},
		},
		{
			name: "bad expiration",
			req: OpenRequest{UserID: "u", AccountID: "a", Quantity: 1, Price: domain.MarketPrice(),
				Instrument: domain.Instrument{Underlying: "AAPL", Expiration: "16/10/2026", OptionType: domain.OptionTypeCall, Strike: 190}},
		},
		{
			name: "zero strike",
			req: OpenRequest{UserID: "u", AccountID: "a", Quantity: 1, Price: domain.MarketPrice(),
				Instrument: domain.Instrument{Underlying: "AAPL", Expiration: "2026-10-16", OptionType: domain.OptionTypeCall, Strike: 0}},
		},
		{
			name: "limit without price",
			req: OpenRequest{UserID: "u", AccountID: "a", Instrument: testInstrument(), Quantity: 1,
				Price: domain.PriceSpec{Type: domain.PriceSpecLimit}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.OpenPosition(context.Background(), tt.req)
			var validation *domain.ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}

	assert.Empty(t, f.broker.Placed, "no order should reach the broker")
}

func TestOpenPosition_SubmitsAndRecordsBrokerID(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	position, order, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID:     "user-1",
		AccountID:  "acct-1",
		Instrument: testInstrument(),
		Quantity:   10,
		Price:      domain.MarketPrice(),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusOpen, position.Status)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	require.NotNil(t, order.BrokerOrderID)
	assert.Equal(t, f.broker.LastBrokerID(), *order.BrokerOrderID)

	require.Len(t, f.broker.Placed, 1)
	assert.Equal(t, "buy_to_open", f.broker.Placed[0].Side)
	assert.Equal(t, 10, f.broker.Placed[0].Quantity)

	stored, err := f.svc.GetOrder(order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.BrokerOrderID)
	assert.Equal(t, *order.BrokerOrderID, *stored.BrokerOrderID)
}

func TestOpenPosition_ScaleInReusesOpenPosition(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	first, _, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID: "user-1", AccountID: "acct-1", Instrument: testInstrument(), Quantity: 10, Price: domain.MarketPrice(),
	})
	require.NoError(t, err)

	second, _, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID: "user-1", AccountID: "acct-1", Instrument: testInstrument(), Quantity: 5, Price: domain.MarketPrice(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different user's open creates a separate position.
	other, _, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID: "user-2", AccountID: "acct-2", Instrument: testInstrument(), Quantity: 10, Price: domain.MarketPrice(),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestOpenPosition_BrokerRejectionMarksOrderRejected(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	f.broker.PlaceErr = &domain.BrokerRejectionError{Reason: "insufficient buying power"}

	_, order, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID: "user-1", AccountID: "acct-1", Instrument: testInstrument(), Quantity: 10, Price: domain.MarketPrice(),
	})
	var rejection *domain.BrokerRejectionError
	require.ErrorAs(t, err, &rejection)

	stored, dbErr := f.svc.GetOrder(order.ID)
	require.NoError(t, dbErr)
	assert.Equal(t, domain.OrderStatusRejected, stored.Status)
	assert.Equal(t, "insufficient buying power", stored.StatusReason)
}

func TestOpenPosition_TransientBrokerFailureLeavesPending(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	f.broker.PlaceErr = &domain.TransportError{Err: context.DeadlineExceeded}

	_, order, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID: "user-1", AccountID: "acct-1", Instrument: testInstrument(), Quantity: 10, Price: domain.MarketPrice(),
	})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	stored, dbErr := f.svc.GetOrder(order.ID)
	require.NoError(t, dbErr)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.Nil(t, stored.BrokerOrderID)
}

func TestApplyFill_ScaleInWeightedAverage(t *testing.T) {
	// Buy 10 @ $3.00 then 10 @ $2.00, sell 10 @ $3.50: avg entry
	// $2.50 and realized P&L exactly $1,000.
	f, cleanup := newLedgerFixture(t)
	defer cleanup()
	ctx := context.Background()

	positionID := openFilled(t, f, 10, 3.00)

	_, _, err := f.svc.OpenPosition(ctx, OpenRequest{
		UserID: "user-1", AccountID: "acct-1", Instrument: testInstrument(), Quantity: 10, Price: domain.MarketPrice(),
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.ApplyFill(f.broker.LastBrokerID(), 10, 2.00, time.Now()))

	position, err := f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.Equal(t, 20, position.FilledBuyQty)
	assert.InDelta(t, 2.50, position.AvgEntryPrice, 1e-9)

	_, err = f.svc.RequestClose(ctx, CloseRequest{PositionID: positionID, Quantity: 10, Price: domain.MarketPrice()})
	require.NoError(t, err)
	require.NoError(t, f.svc.ApplyFill(f.broker.LastBrokerID(), 10, 3.50, time.Now()))

	position, err = f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, position.RealizedPnL, 1e-9)
	assert.Equal(t, 10, position.OpenQuantity())
	assert.Equal(t, domain.PositionStatusOpen, position.Status)
}

func TestRequestClose_OversellRejectedWholesale(t *testing.T) {
	// Selling 12 of an available 10 is rejected outright, never
	// truncated to 10, and aggregates are untouched.
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	positionID := openFilled(t, f, 10, 2.00)
	before, err := f.svc.GetPosition(positionID)
	require.NoError(t, err)

	_, err = f.svc.RequestClose(context.Background(), CloseRequest{
		PositionID: positionID, Quantity: 12, Price: domain.MarketPrice(),
	})
	var insufficient *domain.InsufficientQuantityError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 12, insufficient.Requested)
	assert.Equal(t, 10, insufficient.Available)

	after, err := f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.Equal(t, before.FilledBuyQty, after.FilledBuyQty)
	assert.Equal(t, before.FilledSellQty, after.FilledSellQty)
	assert.Equal(t, before.RealizedPnL, after.RealizedPnL)

	orders, err := f.svc.ListOrders(positionID)
	require.NoError(t, err)
	assert.Len(t, orders, 1, "no close order row should exist")
}

func TestRequestClose_PendingCloseReservesQuantity(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()
	ctx := context.Background()

	positionID := openFilled(t, f, 10, 2.00)

	order, err := f.svc.RequestClose(ctx, CloseRequest{PositionID: positionID, Quantity: 6, Price: domain.MarketPrice()})
	require.NoError(t, err)

	available, err := f.svc.AvailableQuantity(positionID)
	require.NoError(t, err)
	assert.Equal(t, 4, available)

	// A second close of 6 must fail while the first is outstanding.
	_, err = f.svc.RequestClose(ctx, CloseRequest{PositionID: positionID, Quantity: 6, Price: domain.MarketPrice()})
	var insufficient *domain.InsufficientQuantityError
	require.ErrorAs(t, err, &insufficient)

	// Cancelling the pending close releases the reservation.
	require.NoError(t, f.svc.ApplyCancelOrReject(*order.BrokerOrderID, domain.OrderStatusCancelled, "user cancelled"))

	available, err = f.svc.AvailableQuantity(positionID)
	require.NoError(t, err)
	assert.Equal(t, 10, available)

	_, err = f.svc.RequestClose(ctx, CloseRequest{PositionID: positionID, Quantity: 6, Price: domain.MarketPrice()})
	assert.NoError(t, err)
}

func TestRequestClose_ConcurrentLoserRejected(t *testing.T) {
	// Two concurrent closes of 6 against 10 available: exactly one
	// succeeds, the other gets InsufficientQuantityError.
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	positionID := openFilled(t, f, 10, 2.00)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RequestClose(context.Background(), CloseRequest{
				PositionID: positionID, Quantity: 6, Price: domain.MarketPrice(),
			})
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient *domain.InsufficientQuantityError
		if assert.ErrorAs(t, err, &insufficient) {
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	available, err := f.svc.AvailableQuantity(positionID)
	require.NoError(t, err)
	assert.Equal(t, 4, available)
}

func TestApplyFill_DuplicateTerminalIsNoOp(t *testing.T) {
	// The same fill arriving via webhook and poll applies once:
	// aggregates unchanged and the filled event fires a single time.
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	var mu sync.Mutex
	var filledEvents int
	f.bus.Subscribe(events.OrderFilled, func(_ *events.Event) {
		mu.Lock()
		filledEvents++
		mu.Unlock()
	})

	positionID := openFilled(t, f, 10, 2.00)
	brokerID := f.broker.LastBrokerID()

	require.NoError(t, f.svc.ApplyFill(brokerID, 10, 2.00, time.Now()))

	position, err := f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.Equal(t, 10, position.FilledBuyQty)
	assert.InDelta(t, 2000, position.CostBasis, 1e-9)

	mu.Lock()
	assert.Equal(t, 1, filledEvents)
	mu.Unlock()
}

func TestApplyFill_Conflicts(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	positionID := openFilled(t, f, 10, 2.00)
	brokerID := f.broker.LastBrokerID()

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "unknown broker order id",
			call: func() error { return f.svc.ApplyFill("BRK-9999", 10, 2.00, time.Now()) },
		},
		{
			name: "non-positive quantity",
			call: func() error { return f.svc.ApplyFill(brokerID, 0, 2.00, time.Now()) },
		},
		{
			name: "terminal order with different quantity",
			call: func() error { return f.svc.ApplyFill(brokerID, 7, 2.00, time.Now()) },
		},
		{
			name: "cancel after fill",
			call: func() error {
				return f.svc.ApplyCancelOrReject(brokerID, domain.OrderStatusCancelled, "late cancel")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conflict *domain.SyncConflictError
			assert.ErrorAs(t, tt.call(), &conflict)
		})
	}

	// Aggregates survived every conflicting report untouched.
	position, err := f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.Equal(t, 10, position.FilledBuyQty)
}

func TestApplyFill_PartialThenComplete(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()

	_, order, err := f.svc.OpenPosition(context.Background(), OpenRequest{
		UserID: "user-1", AccountID: "acct-1", Instrument: testInstrument(), Quantity: 10, Price: domain.MarketPrice(),
	})
	require.NoError(t, err)
	brokerID := *order.BrokerOrderID

	require.NoError(t, f.svc.ApplyFill(brokerID, 4, 2.00, time.Now()))

	stored, err := f.svc.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartial, stored.Status)
	assert.Equal(t, 4, stored.FilledQty)

	// Cumulative quantities may only grow.
	var conflict *domain.SyncConflictError
	assert.ErrorAs(t, f.svc.ApplyFill(brokerID, 3, 2.00, time.Now()), &conflict)
	assert.ErrorAs(t, f.svc.ApplyFill(brokerID, 11, 2.00, time.Now()), &conflict)

	require.NoError(t, f.svc.ApplyFill(brokerID, 10, 2.10, time.Now()))

	stored, err = f.svc.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.Equal(t, 10, stored.FilledQty)
	assert.InDelta(t, 2.10, stored.AvgFillPrice, 1e-9)
	require.NotNil(t, stored.FilledAt)
}

func TestFullRoundTrip_ClosesPositionAndEmitsPnL(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()
	ctx := context.Background()

	var mu sync.Mutex
	var closedData *events.TradeClosedData
	f.bus.Subscribe(events.TradeClosed, func(e *events.Event) {
		if data, ok := e.GetTypedData().(*events.TradeClosedData); ok {
			mu.Lock()
			closedData = data
			mu.Unlock()
		}
	})

	positionID := openFilled(t, f, 10, 2.50)

	_, err := f.svc.RequestClose(ctx, CloseRequest{PositionID: positionID, Quantity: 10, Price: domain.MarketPrice()})
	require.NoError(t, err)
	closeBrokerID := f.broker.LastBrokerID()
	require.NoError(t, f.svc.ApplyFill(closeBrokerID, 10, 3.50, time.Now()))

	position, err := f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, position.Status)
	require.NotNil(t, position.ClosedAt)
	assert.InDelta(t, 1000, position.RealizedPnL, 1e-9)
	assert.InDelta(t, 40, position.RealizedPnLPercent(), 1e-9)

	mu.Lock()
	require.NotNil(t, closedData)
	assert.Equal(t, positionID, closedData.PositionID)
	assert.InDelta(t, 1000, closedData.PnL, 1e-9)
	assert.InDelta(t, 40, closedData.PnLPercent, 1e-9)
	mu.Unlock()

	// Replaying the terminal fill emits nothing new and keeps the
	// original close stamp.
	firstClosedAt := *position.ClosedAt
	mu.Lock()
	closedData = nil
	mu.Unlock()

	require.NoError(t, f.svc.ApplyFill(closeBrokerID, 10, 3.50, time.Now()))

	position, err = f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.Equal(t, firstClosedAt, *position.ClosedAt)
	mu.Lock()
	assert.Nil(t, closedData)
	mu.Unlock()

	// A closed position refuses further closes.
	_, err = f.svc.RequestClose(ctx, CloseRequest{PositionID: positionID, Quantity: 1, Price: domain.MarketPrice()})
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestExpireStalePending_UnknownKeepsReservation(t *testing.T) {
	f, cleanup := newLedgerFixture(t)
	defer cleanup()
	ctx := context.Background()

	positionID := openFilled(t, f, 10, 2.00)

	order, err := f.svc.RequestClose(ctx, CloseRequest{PositionID: positionID, Quantity: 6, Price: domain.MarketPrice()})
	require.NoError(t, err)

	// Backdate the close order past the expiry horizon.
	_, err = f.svc.db.Conn().Exec(
		"UPDATE orders SET created_at = ? WHERE id = ?",
		time.Now().Add(-48*time.Hour).Unix(), order.ID,
	)
	require.NoError(t, err)

	expired, err := f.svc.ExpireStalePending(24 * time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, order.ID, expired[0].ID)
	assert.Equal(t, domain.OrderStatusUnknown, expired[0].Status)

	stored, err := f.svc.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusUnknown, stored.Status)

	// Unknown orders still reserve their quantity as a conservative
	// hold.
	available, err := f.svc.AvailableQuantity(positionID)
	require.NoError(t, err)
	assert.Equal(t, 4, available)

	// A later fill for the unknown order still applies.
	require.NoError(t, f.svc.ApplyFill(*order.BrokerOrderID, 6, 2.50, time.Now()))

	position, err := f.svc.GetPosition(positionID)
	require.NoError(t, err)
	assert.Equal(t, 6, position.FilledSellQty)
}
