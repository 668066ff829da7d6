// Package ledger owns the authoritative record of positions and orders
// and guards every closing order against overselling.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so repository
// methods can run standalone or inside a transaction.
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// positionsColumns is the list of columns for the positions table.
// Column order must match scanPosition.
const positionsColumns = `id, user_id, account_id, instrument_key, underlying, expiration, option_type, strike,
	status, filled_buy_qty, filled_sell_qty, cost_basis, proceeds, realized_pnl, avg_entry_price, opened_at, closed_at`

// PositionRepository handles position database operations
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "position").Logger(),
	}
}

// Create inserts a new position record
func (r *PositionRepository) Create(q Querier, p *domain.Position) error {
	query := `
		INSERT INTO positions
		(id, user_id, account_id, instrument_key, underlying, expiration, option_type, strike,
		 status, filled_buy_qty, filled_sell_qty, cost_basis, proceeds, realized_pnl, avg_entry_price, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.Exec(query,
		p.ID,
		p.UserID,
		p.AccountID,
		p.Instrument.Key(),
		p.Instrument.Underlying,
		p.Instrument.Expiration,
		string(p.Instrument.OptionType),
		p.Instrument.Strike,
		string(p.Status),
		p.FilledBuyQty,
		p.FilledSellQty,
		p.CostBasis,
		p.Proceeds,
		p.RealizedPnL,
		p.AvgEntryPrice,
		p.OpenedAt.Unix(),
		nullTime(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}

	r.log.Info().
		Str("position_id", p.ID).
		Str("user_id", p.UserID).
		Str("symbol", p.Instrument.OCCSymbol()).
		Msg("Position created")

	return nil
}

// GetByID retrieves a position by id. Returns nil when not found.
func (r *PositionRepository) GetByID(q Querier, id string) (*domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE id = ?"

	p, err := scanPosition(q.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position by id: %w", err)
	}
	return p, nil
}

// GetOpenByUserInstrument finds the open position for a user and
// instrument identity. Scale-ins attach here. Returns nil when the
// user holds no open position for the contract.
func (r *PositionRepository) GetOpenByUserInstrument(q Querier, userID, instrumentKey string) (*domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE user_id = ? AND instrument_key = ? AND status = 'open'"

	p, err := scanPosition(q.QueryRow(query, userID, instrumentKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position: %w", err)
	}
	return p, nil
}

// UpdateAggregates persists the recomputed aggregate fields and status
func (r *PositionRepository) UpdateAggregates(q Querier, p *domain.Position) error {
	query := `
		UPDATE positions
		SET status = ?, filled_buy_qty = ?, filled_sell_qty = ?,
		    cost_basis = ?, proceeds = ?, realized_pnl = ?, avg_entry_price = ?, closed_at = ?
		WHERE id = ?
	`

	_, err := q.Exec(query,
		string(p.Status),
		p.FilledBuyQty,
		p.FilledSellQty,
		p.CostBasis,
		p.Proceeds,
		p.RealizedPnL,
		p.AvgEntryPrice,
		nullTime(p.ClosedAt),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position aggregates: %w", err)
	}
	return nil
}

// ListByUser retrieves a user's positions, most recently opened first
func (r *PositionRepository) ListByUser(userID string, limit int) ([]domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?"

	rows, err := r.db.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListOpen retrieves all open positions
func (r *PositionRepository) ListOpen() ([]domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE status = 'open' ORDER BY opened_at ASC"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPositionRow(s rowScanner) (*domain.Position, error) {
	var p domain.Position
	var instrumentKey, optionType, status string
	var openedAt int64
	var closedAt sql.NullInt64

	err := s.Scan(
		&p.ID,
		&p.UserID,
		&p.AccountID,
		&instrumentKey,
		&p.Instrument.Underlying,
		&p.Instrument.Expiration,
		&optionType,
		&p.Instrument.Strike,
		&status,
		&p.FilledBuyQty,
		&p.FilledSellQty,
		&p.CostBasis,
		&p.Proceeds,
		&p.RealizedPnL,
		&p.AvgEntryPrice,
		&openedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	_ = instrumentKey // derived column, recomputable from the instrument
	p.Instrument.OptionType = domain.OptionType(optionType)
	p.Status = domain.PositionStatus(status)
	p.OpenedAt = time.Unix(openedAt, 0).UTC()
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		p.ClosedAt = &t
	}

	return &p, nil
}

func scanPosition(row *sql.Row) (*domain.Position, error) {
	return scanPositionRow(row)
}

func scanPositionFromRows(rows *sql.Rows) (*domain.Position, error) {
	return scanPositionRow(rows)
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
