package domain

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports malformed input. Fails fast, no side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// InsufficientQuantityError is the oversell guard rejection. The
// message is user-facing, so it names the quantities involved.
type InsufficientQuantityError struct {
	Requested int
	Available int
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("cannot sell %d contracts, only %d available", e.Requested, e.Available)
}

// BrokerRejectionError means the broker declined the order. The order
// is marked rejected; position aggregates are unaffected.
type BrokerRejectionError struct {
	Reason string
}

func (e *BrokerRejectionError) Error() string {
	return fmt.Sprintf("broker rejected order: %s", e.Reason)
}

// RateLimitedError is a transient broker throttle. Callers retry with
// backoff, honoring RetryAfter when the broker supplied it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransportError wraps a network-level failure talking to the broker.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SyncConflictError records contradictory broker state observed during
// reconciliation. It is logged and persisted for manual review; it
// never crashes the reconciliation loop.
type SyncConflictError struct {
	BrokerOrderID string
	Reason        string
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("sync conflict for broker order %s: %s", e.BrokerOrderID, e.Reason)
}

// DispatchFailure is one subscriber's copy failure. It is isolated to
// that subscriber and aggregated into the dispatch summary, never
// propagated to the triggering trader's flow.
type DispatchFailure struct {
	SubscriberID string
	Err          error
}

func (e *DispatchFailure) Error() string {
	return fmt.Sprintf("copy dispatch failed for subscriber %s: %v", e.SubscriberID, e.Err)
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// IsTransient reports whether an error is worth retrying with backoff.
func IsTransient(err error) bool {
	var rateLimited *RateLimitedError
	var transport *TransportError
	return errors.As(err, &rateLimited) || errors.As(err, &transport)
}
