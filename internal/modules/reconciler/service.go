// Package reconciler keeps the ledger's view of orders converged with
// broker-side truth. All three broker inputs (webhook ingress, push
// stream, status poller) feed the same HandleOrderEvent entry point, so
// duplicate delivery across channels is resolved by the ledger's
// idempotence rather than by channel coordination.
package reconciler

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhaneshraok/optionflow/internal/domain"
	"github.com/dhaneshraok/optionflow/internal/events"
	"github.com/dhaneshraok/optionflow/internal/modules/ledger"
)

// Service is the broker sync reconciler
type Service struct {
	ledger    *ledger.Service
	conflicts *ConflictRepository
	broker    domain.BrokerClient
	events    *events.Manager

	// graceWindow covers the race where a broker event lands before the
	// placement's broker id is committed to the orders table.
	graceWindow time.Duration
	maxRetries  int
	backoffBase time.Duration

	log zerolog.Logger
}

// NewService creates a new reconciler service. eventManager may be nil.
func NewService(
	ledgerService *ledger.Service,
	conflicts *ConflictRepository,
	broker domain.BrokerClient,
	eventManager *events.Manager,
	maxRetries int,
	log zerolog.Logger,
) *Service {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Service{
		ledger:      ledgerService,
		conflicts:   conflicts,
		broker:      broker,
		events:      eventManager,
		graceWindow: 2 * time.Second,
		maxRetries:  maxRetries,
		backoffBase: time.Second,
		log:         log.With().Str("service", "reconciler").Logger(),
	}
}

// HandleOrderEvent merges one broker order event into the ledger.
// Contradictory or unattributable events become sync conflict rows and
// a nil return: a bad event must never take down the ingest loop.
// Errors are returned only for infrastructure failures worth retrying.
func (s *Service) HandleOrderEvent(evt domain.BrokerOrderEvent) error {
	if evt.BrokerOrderID == "" {
		return s.recordConflict("", evt.AccountID, "event without broker order id")
	}

	known, err := s.orderKnownAfterGrace(evt.BrokerOrderID)
	if err != nil {
		return err
	}
	if !known {
		return s.recordConflict(evt.BrokerOrderID, evt.AccountID,
			fmt.Sprintf("%s event for unknown broker order id", evt.EventType))
	}

	switch evt.EventType {
	case domain.BrokerEventOrderFilled, domain.BrokerEventOrderPartial:
		err = s.ledger.ApplyFill(evt.BrokerOrderID, evt.FilledQty, evt.AvgPrice, evt.Timestamp)
	case domain.BrokerEventOrderCancelled:
		err = s.ledger.ApplyCancelOrReject(evt.BrokerOrderID, domain.OrderStatusCancelled, evt.Reason)
	case domain.BrokerEventOrderRejected:
		err = s.ledger.ApplyCancelOrReject(evt.BrokerOrderID, domain.OrderStatusRejected, evt.Reason)
	default:
		return s.recordConflict(evt.BrokerOrderID, evt.AccountID,
			fmt.Sprintf("unhandled broker event type %q", evt.EventType))
	}

	var conflict *domain.SyncConflictError
	if errors.As(err, &conflict) {
		return s.recordConflict(conflict.BrokerOrderID, evt.AccountID, conflict.Reason)
	}
	if err != nil {
		return fmt.Errorf("failed to apply broker event: %w", err)
	}

	s.log.Debug().
		Str("broker_order_id", evt.BrokerOrderID).
		Str("event_type", string(evt.EventType)).
		Msg("Broker event applied")

	return nil
}

// orderKnownAfterGrace checks whether a broker order id is attributable
// to a ledger order, waiting out the grace window once for in-flight
// placements before giving up.
func (s *Service) orderKnownAfterGrace(brokerOrderID string) (bool, error) {
	order, err := s.ledger.GetOrderByBrokerID(brokerOrderID)
	if err != nil {
		return false, err
	}
	if order != nil {
		return true, nil
	}

	time.Sleep(s.graceWindow)

	order, err = s.ledger.GetOrderByBrokerID(brokerOrderID)
	if err != nil {
		return false, err
	}
	return order != nil, nil
}

// recordConflict persists a conflict row and notifies subscribers.
// Always returns nil unless persistence itself failed.
func (s *Service) recordConflict(brokerOrderID, accountID, description string) error {
	if err := s.conflicts.Record(brokerOrderID, accountID, description); err != nil {
		return err
	}

	if s.events != nil {
		s.events.EmitTyped(events.SyncConflictDetected, "reconciler", &events.SyncConflictData{
			BrokerOrderID: brokerOrderID,
			AccountID:     accountID,
			Description:   description,
		})
	}

	return nil
}

// ExpireStaleOrders flags pending orders the broker never resolved,
// recording a conflict row per expired order. Run by the scheduler.
func (s *Service) ExpireStaleOrders(maxAge time.Duration) error {
	expired, err := s.ledger.ExpireStalePending(maxAge)
	if err != nil {
		return err
	}

	for _, o := range expired {
		brokerID := ""
		if o.BrokerOrderID != nil {
			brokerID = *o.BrokerOrderID
		}
		if err := s.recordConflict(brokerID, o.AccountID,
			fmt.Sprintf("order %s pending for more than %s with no broker resolution", o.ID, maxAge)); err != nil {
			return err
		}
	}

	return nil
}
