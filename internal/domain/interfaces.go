package domain

import "context"

// BrokerClient defines broker-agnostic order operations. All broker
// calls go through this interface so the engine can run against the
// live broker or a paper-trading double.
//
// Implementations must surface distinguishable errors: RateLimitedError
// for throttling, BrokerRejectionError for declined orders, and
// TransportError for network failures.
type BrokerClient interface {
	// PlaceOrder submits an order and returns the broker's ack.
	PlaceOrder(ctx context.Context, accountID string, instrument Instrument, side string, qty int, price PriceSpec) (*BrokerOrderAck, error)

	// GetOrderStatus returns the broker's current view of an order.
	GetOrderStatus(ctx context.Context, accountID, brokerOrderID string) (*BrokerOrderState, error)

	// CancelOrder requests cancellation of a pending order.
	CancelOrder(ctx context.Context, accountID, brokerOrderID string) error
}

// FeedGateway consumes trade and copy events for delivery to
// subscribers. Delivery mechanics (push, chat webhook, in-app) are
// entirely the gateway's responsibility.
type FeedGateway interface {
	Publish(ctx context.Context, eventName string, payload any) error
}
