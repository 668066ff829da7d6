// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// Ledger lifecycle
	TradeOpened EventType = "TRADE_OPENED"
	TradeClosed EventType = "TRADE_CLOSED"
	OrderFilled EventType = "ORDER_FILLED"

	// Copy-trade dispatch outcomes
	CopySuggested EventType = "COPY_SUGGESTED"
	CopyExecuted  EventType = "COPY_EXECUTED"
	CopyFailed    EventType = "COPY_FAILED"

	// Reconciliation
	SyncConflictDetected EventType = "SYNC_CONFLICT_DETECTED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)
