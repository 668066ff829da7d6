package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// PlacedOrder records one PlaceOrder call received by the PaperBroker
type PlacedOrder struct {
	AccountID  string
	Instrument domain.Instrument
	Side       string
	Quantity   int
	Price      domain.PriceSpec
	BrokerID   string
}

// PaperBroker is an in-memory domain.BrokerClient for tests. It
// acknowledges every order with a sequential broker id and lets tests
// script per-call failures and order states.
type PaperBroker struct {
	mu     sync.Mutex
	seq    int
	states map[string]domain.BrokerOrderState

	Placed    []PlacedOrder
	Cancelled []string
	PlaceErr  error // returned by PlaceOrder when set
	StatusErr error // returned by GetOrderStatus when set
}

var _ domain.BrokerClient = (*PaperBroker)(nil)

// NewPaperBroker creates a new paper broker
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{states: make(map[string]domain.BrokerOrderState)}
}

// PlaceOrder acknowledges the order with a fresh broker id
func (b *PaperBroker) PlaceOrder(_ context.Context, accountID string, instrument domain.Instrument, side string, qty int, price domain.PriceSpec) (*domain.BrokerOrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PlaceErr != nil {
		return nil, b.PlaceErr
	}

	b.seq++
	brokerID := fmt.Sprintf("BRK-%04d", b.seq)
	b.Placed = append(b.Placed, PlacedOrder{
		AccountID:  accountID,
		Instrument: instrument,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		BrokerID:   brokerID,
	})
	b.states[brokerID] = domain.BrokerOrderState{
		BrokerOrderID: brokerID,
		Status:        domain.OrderStatusPending,
	}

	return &domain.BrokerOrderAck{BrokerOrderID: brokerID, InitialStatus: domain.OrderStatusPending}, nil
}

// GetOrderStatus returns the scripted state for a broker order id
func (b *PaperBroker) GetOrderStatus(_ context.Context, _ string, brokerOrderID string) (*domain.BrokerOrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.StatusErr != nil {
		return nil, b.StatusErr
	}

	state, ok := b.states[brokerOrderID]
	if !ok {
		return nil, &domain.BrokerRejectionError{Reason: "unknown order " + brokerOrderID}
	}
	return &state, nil
}

// CancelOrder records the cancellation request
func (b *PaperBroker) CancelOrder(_ context.Context, _ string, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Cancelled = append(b.Cancelled, brokerOrderID)
	return nil
}

// SetOrderState scripts the state GetOrderStatus reports
func (b *PaperBroker) SetOrderState(brokerOrderID string, status domain.OrderStatus, filledQty int, avgPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[brokerOrderID] = domain.BrokerOrderState{
		BrokerOrderID: brokerOrderID,
		Status:        status,
		FilledQty:     filledQty,
		AvgFillPrice:  avgPrice,
	}
}

// LastBrokerID returns the broker id of the most recent placement
func (b *PaperBroker) LastBrokerID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Placed) == 0 {
		return ""
	}
	return b.Placed[len(b.Placed)-1].BrokerID
}
