package domain

// Broker-agnostic order types. These abstract away broker-specific
// implementations (Tradier, paper trading, etc.).

import "time"

// BrokerOrderAck is the broker's acknowledgement of a placed order
type BrokerOrderAck struct {
	BrokerOrderID string      // Broker-assigned identifier
	InitialStatus OrderStatus // Usually pending
}

// BrokerOrderState is a point-in-time broker view of one order
type BrokerOrderState struct {
	BrokerOrderID string
	Status        OrderStatus
	FilledQty     int
	AvgFillPrice  float64
	StatusReason  string
}

// BrokerEventType classifies push/webhook order events
type BrokerEventType string

const (
	BrokerEventOrderFilled    BrokerEventType = "order.filled"
	BrokerEventOrderPartial   BrokerEventType = "order.partially_filled"
	BrokerEventOrderCancelled BrokerEventType = "order.cancelled"
	BrokerEventOrderRejected  BrokerEventType = "order.rejected"
)

// BrokerOrderEvent is one asynchronous order update from the broker,
// arriving via webhook, push stream, or synthesized by the poller. All
// three producers feed the same reconciler entry point.
type BrokerOrderEvent struct {
	Timestamp     time.Time       `json:"timestamp_utc"`
	EventType     BrokerEventType `json:"event_type"`
	BrokerOrderID string          `json:"broker_order_id"`
	AccountID     string          `json:"account_id"`
	FilledQty     int             `json:"filled_quantity"`
	AvgPrice      float64         `json:"average_price"`
	Reason        string          `json:"reason,omitempty"`
}
