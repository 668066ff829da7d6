// Package feed publishes ledger and copy-trade events to the
// notification/feed gateway through a durable outbox.
package feed

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// OutboxEntry is one undelivered feed notification
type OutboxEntry struct {
	ID        int64
	EventName string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// OutboxRepository persists feed notifications until delivered
type OutboxRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *sql.DB, log zerolog.Logger) *OutboxRepository {
	return &OutboxRepository{
		db:  db,
		log: log.With().Str("repo", "feed_outbox").Logger(),
	}
}

// Enqueue stores an encoded notification for delivery
func (r *OutboxRepository) Enqueue(eventName string, payload []byte) error {
	_, err := r.db.Exec(
		"INSERT INTO feed_outbox (event_name, payload, attempts, created_at) VALUES (?, ?, 0, ?)",
		eventName, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue feed event %s: %w", eventName, err)
	}
	return nil
}

// ListPending retrieves undelivered entries, oldest first
func (r *OutboxRepository) ListPending(limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(`
		SELECT id, event_name, payload, attempts, created_at
		FROM feed_outbox
		WHERE delivered_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending feed events: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.EventName, &e.Payload, &e.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// MarkDelivered stamps an entry as delivered
func (r *OutboxRepository) MarkDelivered(id int64) error {
	_, err := r.db.Exec("UPDATE feed_outbox SET delivered_at = ? WHERE id = ?", time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark feed event %d delivered: %w", id, err)
	}
	return nil
}

// MarkAttempted increments the delivery attempt counter
func (r *OutboxRepository) MarkAttempted(id int64) error {
	_, err := r.db.Exec("UPDATE feed_outbox SET attempts = attempts + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark feed event %d attempted: %w", id, err)
	}
	return nil
}

// DeleteDeliveredOlderThan prunes delivered entries past the retention
// horizon.
func (r *OutboxRepository) DeleteDeliveredOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	result, err := r.db.Exec(
		"DELETE FROM feed_outbox WHERE delivered_at IS NOT NULL AND delivered_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune feed outbox: %w", err)
	}
	return result.RowsAffected()
}
