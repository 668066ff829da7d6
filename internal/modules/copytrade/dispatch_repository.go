package copytrade

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// DispatchRepository persists copy-dispatch records. The primary key
// (source_order_id, subscriber_id) doubles as the idempotency claim:
// whoever inserts the row owns the side effects for that pair.
type DispatchRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDispatchRepository creates a new dispatch repository
func NewDispatchRepository(db *sql.DB, log zerolog.Logger) *DispatchRepository {
	return &DispatchRepository{
		db:  db,
		log: log.With().Str("repo", "copy_dispatches").Logger(),
	}
}

// Claim atomically claims the (sourceOrderID, subscriberID) pair.
// Returns false when another dispatch already claimed it, in which case
// the caller must not repeat any side effect.
func (r *DispatchRepository) Claim(sourceOrderID, subscriberID string) (bool, error) {
	result, err := r.db.Exec(`
		INSERT INTO copy_dispatches (source_order_id, subscriber_id, outcome, created_at)
		VALUES (?, ?, 'skipped', ?)
		ON CONFLICT (source_order_id, subscriber_id) DO NOTHING`,
		sourceOrderID, subscriberID, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim dispatch %s/%s: %w", sourceOrderID, subscriberID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetOutcome records how a claimed dispatch resolved
func (r *DispatchRepository) SetOutcome(sourceOrderID, subscriberID string, outcome domain.DispatchOutcome, computedQty int, reason string, copiedOrderID *string) error {
	_, err := r.db.Exec(`
		UPDATE copy_dispatches
		SET outcome = ?, computed_qty = ?, reason = ?, copied_order_id = ?
		WHERE source_order_id = ? AND subscriber_id = ?`,
		string(outcome), computedQty, nullString(reason), copiedOrderID, sourceOrderID, subscriberID,
	)
	if err != nil {
		return fmt.Errorf("failed to set dispatch outcome %s/%s: %w", sourceOrderID, subscriberID, err)
	}
	return nil
}

// CountCopiesToday counts a subscriber's copies (executed or suggested)
// since UTC midnight. Skipped and failed evaluations do not consume the
// daily budget.
func (r *DispatchRepository) CountCopiesToday(subscriberID string, now time.Time) (int, error) {
	dayStart := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC)

	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM copy_dispatches
		WHERE subscriber_id = ?
		  AND outcome IN ('executed', 'suggested')
		  AND created_at >= ?`,
		subscriberID, dayStart.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count copies for %s: %w", subscriberID, err)
	}
	return count, nil
}

// ListBySubscriber retrieves a subscriber's dispatch history, newest
// first.
func (r *DispatchRepository) ListBySubscriber(subscriberID string, limit int) ([]domain.CopyDispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT source_order_id, subscriber_id, outcome, computed_qty, reason, copied_order_id, created_at
		FROM copy_dispatches
		WHERE subscriber_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		subscriberID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches for %s: %w", subscriberID, err)
	}
	defer rows.Close()

	var records []domain.CopyDispatchRecord
	for rows.Next() {
		var rec domain.CopyDispatchRecord
		var outcome string
		var reason sql.NullString
		var copiedOrderID sql.NullString
		var createdAt int64

		if err := rows.Scan(&rec.SourceOrderID, &rec.SubscriberID, &outcome, &rec.ComputedQty, &reason, &copiedOrderID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch record: %w", err)
		}

		rec.Outcome = domain.DispatchOutcome(outcome)
		rec.Reason = reason.String
		if copiedOrderID.Valid {
			id := copiedOrderID.String
			rec.CopiedOrderID = &id
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DeleteOlderThan removes dispatch records past the retention horizon.
// Run by the scheduler's retention sweep.
func (r *DispatchRepository) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	result, err := r.db.Exec("DELETE FROM copy_dispatches WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep dispatch records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		r.log.Info().Int64("deleted", deleted).Msg("Swept expired dispatch records")
	}
	return deleted, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
