// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ContractMultiplier is the share equivalent of one option contract.
// Applied uniformly in all aggregate cost/proceeds/P&L math.
const ContractMultiplier = 100

// OptionType represents the option right
type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// Instrument identifies one option contract
type Instrument struct {
	Underlying string     `json:"underlying"`
	Expiration string     `json:"expiration"` // YYYY-MM-DD
	OptionType OptionType `json:"option_type"`
	Strike     float64    `json:"strike"`
}

// Validate checks the instrument spec and returns a ValidationError
// describing the first malformed field.
func (i Instrument) Validate() error {
	if strings.TrimSpace(i.Underlying) == "" {
		return &ValidationError{Field: "underlying", Reason: "must not be empty"}
	}
	if i.Strike <= 0 {
		return &ValidationError{Field: "strike", Reason: "must be positive"}
	}
	if _, err := time.Parse("2006-01-02", i.Expiration); err != nil {
		return &ValidationError{Field: "expiration", Reason: "must be YYYY-MM-DD"}
	}
	if i.OptionType != OptionTypeCall && i.OptionType != OptionTypePut {
		return &ValidationError{Field: "option_type", Reason: "must be call or put"}
	}
	return nil
}

// OCCSymbol renders the instrument in OCC option symbology
// (e.g. AAPL260117C00190000), the format brokers accept.
func (i Instrument) OCCSymbol() string {
	exp, _ := time.Parse("2006-01-02", i.Expiration)
	right := "C"
	if i.OptionType == OptionTypePut {
		right = "P"
	}
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(i.Underlying),
		exp.Format("060102"),
		right,
		int64(i.Strike*1000))
}

// Key returns a stable identity string used to attach scale-ins to an
// existing open position for the same user and contract.
func (i Instrument) Key() string {
	return fmt.Sprintf("%s|%s|%s|%.3f",
		strings.ToUpper(i.Underlying), i.Expiration, i.OptionType, i.Strike)
}

// PositionStatus represents the lifecycle state of a position
type PositionStatus string

const (
	PositionStatusOpen      PositionStatus = "open"
	PositionStatusClosed    PositionStatus = "closed"
	PositionStatusExpired   PositionStatus = "expired"
	PositionStatusCancelled PositionStatus = "cancelled"
)

// Position is the aggregate record of one option contract's lifecycle
// for one user, spanning possibly many fills. Positions are never
// deleted, only status-transitioned. Aggregates use the average-cost
// model: the entry price for any closing fill is the running weighted
// average of all filled buys to date, including quantity already
// closed. FIFO/LIFO lot matching is intentionally not modeled.
type Position struct {
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	AccountID     string         `json:"account_id"`
	Status        PositionStatus `json:"status"`
	Instrument    Instrument     `json:"instrument"`
	FilledBuyQty  int            `json:"filled_buy_qty"`
	FilledSellQty int            `json:"filled_sell_qty"`
	CostBasis     float64        `json:"cost_basis"`
	Proceeds      float64        `json:"proceeds"`
	RealizedPnL   float64        `json:"realized_pnl"`
	AvgEntryPrice float64        `json:"avg_entry_price"`
}

// OpenQuantity returns the filled quantity not yet closed.
func (p *Position) OpenQuantity() int {
	return p.FilledBuyQty - p.FilledSellQty
}

// RealizedPnLPercent returns realized P&L relative to the cost basis of
// the closed quantity, as a percentage. Zero when nothing has closed.
func (p *Position) RealizedPnLPercent() float64 {
	if p.FilledSellQty == 0 || p.AvgEntryPrice == 0 {
		return 0
	}
	closedBasis := p.AvgEntryPrice * float64(p.FilledSellQty) * ContractMultiplier
	if closedBasis == 0 {
		return 0
	}
	return p.RealizedPnL / closedBasis * 100
}

// OrderDirection distinguishes opening from closing orders
type OrderDirection string

const (
	OrderDirectionOpen  OrderDirection = "open"  // BTO
	OrderDirectionClose OrderDirection = "close" // STC
)

// Side returns the broker order side for the direction.
func (d OrderDirection) Side() string {
	if d == OrderDirectionClose {
		return "sell_to_close"
	}
	return "buy_to_open"
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	// OrderStatusUnknown marks orders whose broker-side truth could not
	// be established (stale pending, contradictory reports). Unknown
	// orders stay reserved for availability until manually resolved.
	OrderStatusUnknown OrderStatus = "unknown"
)

// IsTerminal reports whether the status is a terminal state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Provenance records how an order came to exist
type Provenance string

const (
	ProvenanceManual Provenance = "manual"
	ProvenanceCopied Provenance = "copied"
)

// PriceSpecType selects market vs limit pricing
type PriceSpecType string

const (
	PriceSpecMarket PriceSpecType = "market"
	PriceSpecLimit  PriceSpecType = "limit"
)

// PriceSpec describes the requested pricing of an order
type PriceSpec struct {
	Type  PriceSpecType `json:"type"`
	Limit float64       `json:"limit,omitempty"` // per-share premium, limit only
}

// Validate checks the price spec.
func (p PriceSpec) Validate() error {
	switch p.Type {
	case PriceSpecMarket:
		return nil
	case PriceSpecLimit:
		if p.Limit <= 0 {
			return &ValidationError{Field: "limit", Reason: "must be positive"}
		}
		return nil
	default:
		return &ValidationError{Field: "price_spec", Reason: "must be market or limit"}
	}
}

// MarketPrice returns a market-price spec.
func MarketPrice() PriceSpec { return PriceSpec{Type: PriceSpecMarket} }

// Order is one order sent to the broker, contributing fills to a
// Position. Transitions are driven exclusively by the reconciler.
type Order struct {
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FilledAt       *time.Time     `json:"filled_at,omitempty"`
	ID             string         `json:"id"`
	PositionID     string         `json:"position_id"`
	AccountID      string         `json:"account_id"`
	Direction      OrderDirection `json:"direction"`
	Status         OrderStatus    `json:"status"`
	Provenance     Provenance     `json:"provenance"`
	BrokerOrderID  *string        `json:"broker_order_id,omitempty"` // nil until acknowledged
	SourceTraderID *string        `json:"source_trader_id,omitempty"`
	SourceOrderID  *string        `json:"source_order_id,omitempty"`
	RequestedQty   int            `json:"requested_qty"`
	FilledQty      int            `json:"filled_qty"`
	PriceSpec      PriceSpec      `json:"price_spec"`
	AvgFillPrice   float64        `json:"avg_fill_price"`
	StatusReason   string         `json:"status_reason,omitempty"`
}

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is a directed copy-trading edge subscriber -> trader.
// Cancelled subscriptions are kept for referential history.
type Subscription struct {
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	ID             string             `json:"id"`
	SubscriberID   string             `json:"subscriber_id"`
	TraderID       string             `json:"trader_id"`
	AccountID      string             `json:"account_id"` // subscriber's broker account
	Status         SubscriptionStatus `json:"status"`
	AutoExecute    bool               `json:"auto_execute"`
	MaxPosSize     int                `json:"max_position_size"`
	MaxDailyCopies int                `json:"max_daily_copies"`
	ScalingFactor  float64            `json:"scaling_factor"`
}

// Validate checks subscription settings.
func (s Subscription) Validate() error {
	if s.SubscriberID == s.TraderID {
		return &ValidationError{Field: "trader_id", Reason: "cannot subscribe to yourself"}
	}
	if s.ScalingFactor <= 0 {
		return &ValidationError{Field: "scaling_factor", Reason: "must be positive"}
	}
	if s.MaxPosSize <= 0 {
		return &ValidationError{Field: "max_position_size", Reason: "must be positive"}
	}
	if s.MaxDailyCopies <= 0 {
		return &ValidationError{Field: "max_daily_copies", Reason: "must be positive"}
	}
	return nil
}

// DispatchOutcome classifies the result of one copy-dispatch evaluation
type DispatchOutcome string

const (
	DispatchOutcomeExecuted  DispatchOutcome = "executed"
	DispatchOutcomeSuggested DispatchOutcome = "suggested"
	DispatchOutcomeSkipped   DispatchOutcome = "skipped"
	DispatchOutcomeFailed    DispatchOutcome = "failed"
)

// CopyDispatchRecord is the idempotency claim for one (source order,
// subscriber) copy evaluation. The claim is taken atomically before any
// side effect, so redelivered fill events are suppressed.
type CopyDispatchRecord struct {
	CreatedAt     time.Time       `json:"created_at"`
	SourceOrderID string          `json:"source_order_id"`
	SubscriberID  string          `json:"subscriber_id"`
	Outcome       DispatchOutcome `json:"outcome"`
	ComputedQty   int             `json:"computed_qty"`
	Reason        string          `json:"reason,omitempty"`
	CopiedOrderID *string         `json:"copied_order_id,omitempty"`
}

// SyncConflict is a manual-review row recording contradictory or
// unattributable broker state seen by the reconciler.
type SyncConflict struct {
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ID            int64      `json:"id"`
	BrokerOrderID string     `json:"broker_order_id"`
	AccountID     string     `json:"account_id"`
	Description   string     `json:"description"`
	Resolved      bool       `json:"resolved"`
}
