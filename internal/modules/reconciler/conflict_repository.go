package reconciler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// ConflictRepository persists sync conflicts for manual review
type ConflictRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConflictRepository creates a new conflict repository
func NewConflictRepository(db *sql.DB, log zerolog.Logger) *ConflictRepository {
	return &ConflictRepository{
		db:  db,
		log: log.With().Str("repo", "sync_conflicts").Logger(),
	}
}

// Record inserts a new unresolved conflict row
func (r *ConflictRepository) Record(brokerOrderID, accountID, description string) error {
	query := `
		INSERT INTO sync_conflicts (broker_order_id, account_id, description, resolved, created_at)
		VALUES (?, ?, ?, 0, ?)`

	_, err := r.db.Exec(query, brokerOrderID, accountID, description, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record sync conflict: %w", err)
	}

	r.log.Warn().
		Str("broker_order_id", brokerOrderID).
		Str("account_id", accountID).
		Str("description", description).
		Msg("Sync conflict recorded for manual review")

	return nil
}

// ListUnresolved retrieves all conflicts awaiting review, oldest first
func (r *ConflictRepository) ListUnresolved() ([]domain.SyncConflict, error) {
	query := `
		SELECT id, broker_order_id, account_id, description, resolved, created_at, resolved_at
		FROM sync_conflicts
		WHERE resolved = 0
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []domain.SyncConflict
	for rows.Next() {
		var c domain.SyncConflict
		var resolved int
		var createdAt int64
		var resolvedAt sql.NullInt64

		if err := rows.Scan(&c.ID, &c.BrokerOrderID, &c.AccountID, &c.Description, &resolved, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync conflict: %w", err)
		}

		c.Resolved = resolved != 0
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		if resolvedAt.Valid {
			t := time.Unix(resolvedAt.Int64, 0).UTC()
			c.ResolvedAt = &t
		}
		conflicts = append(conflicts, c)
	}

	return conflicts, rows.Err()
}

// Resolve marks a conflict reviewed. The note is appended to the
// description for the audit trail.
func (r *ConflictRepository) Resolve(id int64, note string) error {
	query := `
		UPDATE sync_conflicts
		SET resolved = 1,
		    resolved_at = ?,
		    description = CASE WHEN ? = '' THEN description ELSE description || ' | resolution: ' || ? END
		WHERE id = ? AND resolved = 0`

	result, err := r.db.Exec(query, time.Now().Unix(), note, note, id)
	if err != nil {
		return fmt.Errorf("failed to resolve sync conflict %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sync conflict %d not found or already resolved", id)
	}

	return nil
}

// CountUnresolved returns the number of conflicts awaiting review
func (r *ConflictRepository) CountUnresolved() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM sync_conflicts WHERE resolved = 0").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync conflicts: %w", err)
	}
	return count, nil
}
