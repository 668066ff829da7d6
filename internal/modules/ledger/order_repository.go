package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// ordersColumns is the list of columns for the orders table.
// Column order must match scanOrderRow.
const ordersColumns = `id, position_id, account_id, direction, status, provenance, broker_order_id,
	source_trader_id, source_order_id, requested_qty, filled_qty, price_type, price_limit,
	avg_fill_price, status_reason, created_at, updated_at, filled_at`

// OrderRepository handles order database operations
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "order").Logger(),
	}
}

// Create inserts a new order record
func (r *OrderRepository) Create(q Querier, o *domain.Order) error {
	query := `
		INSERT INTO orders
		(id, position_id, account_id, direction, status, provenance, broker_order_id,
		 source_trader_id, source_order_id, requested_qty, filled_qty, price_type, price_limit,
		 avg_fill_price, status_reason, created_at, updated_at, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var priceLimit sql.NullFloat64
	if o.PriceSpec.Type == domain.PriceSpecLimit {
		priceLimit = sql.NullFloat64{Float64: o.PriceSpec.Limit, Valid: true}
	}

	_, err := q.Exec(query,
		o.ID,
		o.PositionID,
		o.AccountID,
		string(o.Direction),
		string(o.Status),
		string(o.Provenance),
		nullStringPtr(o.BrokerOrderID),
		nullStringPtr(o.SourceTraderID),
		nullStringPtr(o.SourceOrderID),
		o.RequestedQty,
		o.FilledQty,
		string(o.PriceSpec.Type),
		priceLimit,
		o.AvgFillPrice,
		nullString(o.StatusReason),
		o.CreatedAt.Unix(),
		o.UpdatedAt.Unix(),
		nullTime(o.FilledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	r.log.Info().
		Str("order_id", o.ID).
		Str("position_id", o.PositionID).
		Str("direction", string(o.Direction)).
		Int("requested_qty", o.RequestedQty).
		Msg("Order created")

	return nil
}

// GetByID retrieves an order by id. Returns nil when not found.
func (r *OrderRepository) GetByID(q Querier, id string) (*domain.Order, error) {
	query := "SELECT " + ordersColumns + " FROM orders WHERE id = ?"

	o, err := scanOrderRow(q.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by id: %w", err)
	}
	return o, nil
}

// GetByBrokerOrderID retrieves an order by its broker-assigned id.
// This is the reconciliation key. Returns nil when not found.
func (r *OrderRepository) GetByBrokerOrderID(q Querier, brokerOrderID string) (*domain.Order, error) {
	query := "SELECT " + ordersColumns + " FROM orders WHERE broker_order_id = ?"

	o, err := scanOrderRow(q.QueryRow(query, brokerOrderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by broker id: %w", err)
	}
	return o, nil
}

// SetBrokerOrderID records the broker's acknowledgement id
func (r *OrderRepository) SetBrokerOrderID(q Querier, orderID, brokerOrderID string) error {
	query := "UPDATE orders SET broker_order_id = ?, updated_at = ? WHERE id = ?"

	_, err := q.Exec(query, brokerOrderID, time.Now().Unix(), orderID)
	if err != nil {
		return fmt.Errorf("failed to set broker order id: %w", err)
	}
	return nil
}

// UpdateFill persists a fill update on an order
func (r *OrderRepository) UpdateFill(q Querier, o *domain.Order) error {
	query := `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?, status_reason = ?, updated_at = ?, filled_at = ?
		WHERE id = ?
	`

	_, err := q.Exec(query,
		string(o.Status),
		o.FilledQty,
		o.AvgFillPrice,
		nullString(o.StatusReason),
		time.Now().Unix(),
		nullTime(o.FilledAt),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order fill: %w", err)
	}
	return nil
}

// UpdateStatus transitions an order's status with an optional reason
func (r *OrderRepository) UpdateStatus(q Querier, orderID string, status domain.OrderStatus, reason string) error {
	query := "UPDATE orders SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?"

	_, err := q.Exec(query, string(status), nullString(reason), time.Now().Unix(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

// ListByPosition retrieves all orders for a position in deterministic
// fill order (filled_at, then created_at, then id). The aggregate
// recomputation depends on this ordering.
func (r *OrderRepository) ListByPosition(q Querier, positionID string) ([]domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE position_id = ?
		ORDER BY COALESCE(filled_at, created_at) ASC, created_at ASC, id ASC`

	rows, err := q.Query(query, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for position: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListUnresolved retrieves all pending and partial orders. The
// reconciler resumes from this set after a restart.
func (r *OrderRepository) ListUnresolved() ([]domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE status IN ('pending', 'partial')
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListStalePending retrieves pending/partial orders created before the
// cutoff that still have no terminal resolution.
func (r *OrderRepository) ListStalePending(cutoff time.Time) ([]domain.Order, error) {
	query := "SELECT " + ordersColumns + ` FROM orders
		WHERE status IN ('pending', 'partial') AND created_at < ?
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// PendingSellQty sums the unfilled quantity of non-terminal closing
// orders for a position, excluding one order id (the order under
// evaluation). Unknown orders stay counted as a conservative
// reservation until resolved.
func (r *OrderRepository) PendingSellQty(q Querier, positionID, excludeOrderID string) (int, error) {
	query := `
		SELECT COALESCE(SUM(requested_qty - filled_qty), 0)
		FROM orders
		WHERE position_id = ?
		  AND direction = 'close'
		  AND status IN ('pending', 'partial', 'unknown')
		  AND id <> ?
	`

	var qty int
	if err := q.QueryRow(query, positionID, excludeOrderID).Scan(&qty); err != nil {
		return 0, fmt.Errorf("failed to sum pending sell quantity: %w", err)
	}
	return qty, nil
}

// ListCopiedPositionsBySource finds open copied positions traceable to
// a source position, by joining copied orders back to the source
// position's orders. Used to fan out closes to subscribers.
func (r *OrderRepository) ListCopiedPositionsBySource(sourcePositionID string) ([]domain.Position, error) {
	query := `
		SELECT DISTINCT ` + prefixColumns("p", positionsColumns) + `
		FROM orders c
		JOIN orders s ON c.source_order_id = s.id
		JOIN positions p ON c.position_id = p.id
		WHERE s.position_id = ?
		  AND c.provenance = 'copied'
		  AND p.status = 'open'
	`

	rows, err := r.db.Query(query, sourcePositionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list copied positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func scanOrderRow(s rowScanner) (*domain.Order, error) {
	var o domain.Order
	var direction, status, provenance, priceType string
	var brokerOrderID, sourceTraderID, sourceOrderID, statusReason sql.NullString
	var priceLimit sql.NullFloat64
	var createdAt, updatedAt int64
	var filledAt sql.NullInt64

	err := s.Scan(
		&o.ID,
		&o.PositionID,
		&o.AccountID,
		&direction,
		&status,
		&provenance,
		&brokerOrderID,
		&sourceTraderID,
		&sourceOrderID,
		&o.RequestedQty,
		&o.FilledQty,
		&priceType,
		&priceLimit,
		&o.AvgFillPrice,
		&statusReason,
		&createdAt,
		&updatedAt,
		&filledAt,
	)
	if err != nil {
		return nil, err
	}

	o.Direction = domain.OrderDirection(direction)
	o.Status = domain.OrderStatus(status)
	o.Provenance = domain.Provenance(provenance)
	o.PriceSpec.Type = domain.PriceSpecType(priceType)
	if priceLimit.Valid {
		o.PriceSpec.Limit = priceLimit.Float64
	}
	if brokerOrderID.Valid {
		o.BrokerOrderID = &brokerOrderID.String
	}
	if sourceTraderID.Valid {
		o.SourceTraderID = &sourceTraderID.String
	}
	if sourceOrderID.Valid {
		o.SourceOrderID = &sourceOrderID.String
	}
	if statusReason.Valid {
		o.StatusReason = statusReason.String
	}
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if filledAt.Valid {
		t := time.Unix(filledAt.Int64, 0).UTC()
		o.FilledAt = &t
	}

	return &o, nil
}

func scanOrderFromRows(rows *sql.Rows) (*domain.Order, error) {
	return scanOrderRow(rows)
}

// prefixColumns qualifies a comma-separated column list with a table
// alias for use in joins.
func prefixColumns(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
