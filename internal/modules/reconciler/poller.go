package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhaneshraok/optionflow/internal/domain"
)

// ReconcileAccounts resolves every persisted pending/partial order
// against the broker. Accounts reconcile in parallel, orders within an
// account sequentially; a failing account never blocks its siblings.
// Resumes purely from persisted order state, so it is safe to run at
// any cadence and after a restart.
func (s *Service) ReconcileAccounts(ctx context.Context) error {
	if s.broker == nil {
		return nil
	}

	unresolved, err := s.ledger.ListUnresolvedOrders()
	if err != nil {
		return fmt.Errorf("failed to load unresolved orders: %w", err)
	}
	if len(unresolved) == 0 {
		return nil
	}

	byAccount := make(map[string][]domain.Order)
	for _, o := range unresolved {
		if o.BrokerOrderID == nil {
			// Never acknowledged by the broker; nothing to poll. The
			// stale-order sweep flags these if they linger.
			continue
		}
		byAccount[o.AccountID] = append(byAccount[o.AccountID], o)
	}

	// plain errgroup: a failed account must not cancel the others
	var g errgroup.Group
	for accountID, orders := range byAccount {
		accountID, orders := accountID, orders
		g.Go(func() error {
			return s.reconcileAccount(ctx, accountID, orders)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("reconcile pass finished with failures: %w", err)
	}

	s.log.Debug().Int("orders", len(unresolved)).Msg("Reconcile pass complete")
	return nil
}

func (s *Service) reconcileAccount(ctx context.Context, accountID string, orders []domain.Order) error {
	var failed int
	for _, o := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state, err := s.fetchOrderState(ctx, accountID, *o.BrokerOrderID)
		if err != nil {
			failed++
			s.log.Error().Err(err).
				Str("account_id", accountID).
				Str("broker_order_id", *o.BrokerOrderID).
				Msg("Order state unavailable after retries")
			continue
		}

		evt, ok := stateToEvent(accountID, *state)
		if !ok {
			continue
		}
		if err := s.HandleOrderEvent(evt); err != nil {
			failed++
			s.log.Error().Err(err).
				Str("broker_order_id", *o.BrokerOrderID).
				Msg("Failed to apply polled order state")
		}
	}

	if failed > 0 {
		return fmt.Errorf("account %s: %d of %d orders failed to reconcile", accountID, failed, len(orders))
	}
	return nil
}

// fetchOrderState polls the broker with exponential backoff on
// transient failures. Non-transient errors fail immediately.
func (s *Service) fetchOrderState(ctx context.Context, accountID, brokerOrderID string) (*domain.BrokerOrderState, error) {
	delay := s.backoffBase

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			var rateLimited *domain.RateLimitedError
			if errors.As(lastErr, &rateLimited) && rateLimited.RetryAfter > delay {
				delay = rateLimited.RetryAfter
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		state, err := s.broker.GetOrderStatus(ctx, accountID, brokerOrderID)
		if err == nil {
			return state, nil
		}
		if !domain.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("broker unavailable after %d attempts: %w", s.maxRetries, lastErr)
}

// stateToEvent converts a polled order state into the common event
// shape. Pending states produce no event.
func stateToEvent(accountID string, state domain.BrokerOrderState) (domain.BrokerOrderEvent, bool) {
	evt := domain.BrokerOrderEvent{
		Timestamp:     time.Now().UTC(),
		BrokerOrderID: state.BrokerOrderID,
		AccountID:     accountID,
		FilledQty:     state.FilledQty,
		AvgPrice:      state.AvgFillPrice,
		Reason:        state.StatusReason,
	}

	switch state.Status {
	case domain.OrderStatusFilled:
		evt.EventType = domain.BrokerEventOrderFilled
	case domain.OrderStatusPartial:
		if state.FilledQty <= 0 {
			return evt, false
		}
		evt.EventType = domain.BrokerEventOrderPartial
	case domain.OrderStatusCancelled:
		evt.EventType = domain.BrokerEventOrderCancelled
	case domain.OrderStatusRejected:
		evt.EventType = domain.BrokerEventOrderRejected
	default:
		return evt, false
	}

	return evt, true
}
