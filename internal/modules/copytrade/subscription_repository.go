// Package copytrade fans trades from followed traders out to their
// subscribers: subscription management, idempotent dispatch records,
// and the dispatcher reacting to ledger fill events.
package copytrade

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

const subscriptionsColumns = `id, subscriber_id, trader_id, account_id, status,
	auto_execute, max_position_size, max_daily_copies, scaling_factor,
	created_at, updated_at`

// SubscriptionRepository persists copy-trading subscriptions
type SubscriptionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *sql.DB, log zerolog.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{
		db:  db,
		log: log.With().Str("repo", "subscriptions").Logger(),
	}
}

// Create inserts a new subscription. The unique partial index rejects a
// second live subscription on the same subscriber -> trader edge.
func (r *SubscriptionRepository) Create(s *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, subscriber_id, trader_id, account_id, status,
			auto_execute, max_position_size, max_daily_copies, scaling_factor,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.Exec(query,
		s.ID,
		s.SubscriberID,
		s.TraderID,
		s.AccountID,
		string(s.Status),
		boolToInt(s.AutoExecute),
		s.MaxPosSize,
		s.MaxDailyCopies,
		s.ScalingFactor,
		s.CreatedAt.Unix(),
		s.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription by id. Returns nil when not found.
func (r *SubscriptionRepository) GetByID(id string) (*domain.Subscription, error) {
	query := "SELECT " + subscriptionsColumns + " FROM subscriptions WHERE id = ?"

	s, err := scanSubscription(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return s, nil
}

// ListActiveByTrader retrieves active subscriptions following a trader
func (r *SubscriptionRepository) ListActiveByTrader(traderID string) ([]domain.Subscription, error) {
	query := "SELECT " + subscriptionsColumns + ` FROM subscriptions
		WHERE trader_id = ? AND status = 'active'
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query, traderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for trader %s: %w", traderID, err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// GetActiveEdge retrieves the live subscription on a subscriber ->
// trader edge, nil when none exists.
func (r *SubscriptionRepository) GetActiveEdge(subscriberID, traderID string) (*domain.Subscription, error) {
	query := "SELECT " + subscriptionsColumns + ` FROM subscriptions
		WHERE subscriber_id = ? AND trader_id = ? AND status = 'active'`

	s, err := scanSubscription(r.db.QueryRow(query, subscriberID, traderID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription edge %s -> %s: %w", subscriberID, traderID, err)
	}
	return s, nil
}

// ListBySubscriber retrieves all non-cancelled subscriptions of a user
func (r *SubscriptionRepository) ListBySubscriber(subscriberID string) ([]domain.Subscription, error) {
	query := "SELECT " + subscriptionsColumns + ` FROM subscriptions
		WHERE subscriber_id = ? AND status <> 'cancelled'
		ORDER BY created_at ASC`

	rows, err := r.db.Query(query, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for subscriber %s: %w", subscriberID, err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// SetStatus transitions a subscription between active/paused/cancelled.
// Cancellation is a soft delete; the row stays for history.
func (r *SubscriptionRepository) SetStatus(id string, status domain.SubscriptionStatus) error {
	result, err := r.db.Exec(
		"UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set subscription %s status: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}

// UpdateSettings changes the risk limits of a subscription
func (r *SubscriptionRepository) UpdateSettings(id string, autoExecute bool, maxPosSize, maxDailyCopies int, scalingFactor float64) error {
	result, err := r.db.Exec(`
		UPDATE subscriptions
		SET auto_execute = ?, max_position_size = ?, max_daily_copies = ?,
		    scaling_factor = ?, updated_at = ?
		WHERE id = ?`,
		boolToInt(autoExecute), maxPosSize, maxDailyCopies, scalingFactor, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription %s settings: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var s domain.Subscription
	var status string
	var autoExecute int
	var createdAt, updatedAt int64

	err := row.Scan(
		&s.ID,
		&s.SubscriberID,
		&s.TraderID,
		&s.AccountID,
		&status,
		&autoExecute,
		&s.MaxPosSize,
		&s.MaxDailyCopies,
		&s.ScalingFactor,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = domain.SubscriptionStatus(status)
	s.AutoExecute = autoExecute != 0
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &s, nil
}

func collectSubscriptions(rows *sql.Rows) ([]domain.Subscription, error) {
	var subscriptions []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, *s)
	}
	return subscriptions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
