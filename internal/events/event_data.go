package events

// EventData is the interface that all event data types must implement.
// This allows for type-safe event data while maintaining flexibility.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// OrderFilledData contains data for OrderFilled events. Emitted by the
// ledger whenever an order reaches filled status; the copy-trade
// dispatcher listens for manual-provenance fills.
type OrderFilledData struct {
	OrderID    string  `json:"order_id"`
	PositionID string  `json:"position_id"`
	UserID     string  `json:"user_id"`
	AccountID  string  `json:"account_id"`
	Direction  string  `json:"direction"`
	Provenance string  `json:"provenance"`
	FilledQty  int     `json:"filled_qty"`
	AvgPrice   float64 `json:"avg_price"`
}

// EventType returns the event type for OrderFilledData
func (d *OrderFilledData) EventType() EventType {
	return OrderFilled
}

// TradeOpenedData contains data for TradeOpened events
type TradeOpenedData struct {
	PositionID string  `json:"position_id"`
	UserID     string  `json:"user_id"`
	Symbol     string  `json:"symbol"`
	Quantity   int     `json:"quantity"`
	AvgPrice   float64 `json:"avg_price"`
}

// EventType returns the event type for TradeOpenedData
func (d *TradeOpenedData) EventType() EventType {
	return TradeOpened
}

// TradeClosedData contains data for TradeClosed events
type TradeClosedData struct {
	PositionID string  `json:"position_id"`
	UserID     string  `json:"user_id"`
	Symbol     string  `json:"symbol"`
	PnL        float64 `json:"pnl"`
	PnLPercent float64 `json:"pnl_percent"`
}

// EventType returns the event type for TradeClosedData
func (d *TradeClosedData) EventType() EventType {
	return TradeClosed
}

// CopySuggestedData contains data for CopySuggested events
type CopySuggestedData struct {
	SubscriberID  string `json:"subscriber_id"`
	TraderID      string `json:"trader_id"`
	SourceOrderID string `json:"source_order_id"`
	Symbol        string `json:"symbol"`
	Direction     string `json:"direction"`
	SuggestedQty  int    `json:"suggested_qty"`
}

// EventType returns the event type for CopySuggestedData
func (d *CopySuggestedData) EventType() EventType {
	return CopySuggested
}

// CopyExecutedData contains data for CopyExecuted events
type CopyExecutedData struct {
	SubscriberID  string `json:"subscriber_id"`
	TraderID      string `json:"trader_id"`
	SourceOrderID string `json:"source_order_id"`
	CopiedOrderID string `json:"copied_order_id"`
	Symbol        string `json:"symbol"`
	Quantity      int    `json:"quantity"`
}

// EventType returns the event type for CopyExecutedData
func (d *CopyExecutedData) EventType() EventType {
	return CopyExecuted
}

// CopyFailedData contains data for CopyFailed events. Delivered to the
// affected subscriber only, never to the trader being copied.
type CopyFailedData struct {
	SubscriberID  string `json:"subscriber_id"`
	SourceOrderID string `json:"source_order_id"`
	Reason        string `json:"reason"`
}

// EventType returns the event type for CopyFailedData
func (d *CopyFailedData) EventType() EventType {
	return CopyFailed
}

// SyncConflictData contains data for SyncConflictDetected events
type SyncConflictData struct {
	BrokerOrderID string `json:"broker_order_id"`
	AccountID     string `json:"account_id"`
	Description   string `json:"description"`
}

// EventType returns the event type for SyncConflictData
func (d *SyncConflictData) EventType() EventType {
	return SyncConflictDetected
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
