package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInsufficientQuantityError_Message(t *testing.T) {
	err := &InsufficientQuantityError{Requested: 15, Available: 10}
	assert.Equal(t, "cannot sell 15 contracts, only 10 available", err.Error())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&RateLimitedError{}))
	assert.True(t, IsTransient(&TransportError{Err: errors.New("connection refused")}))
	assert.True(t, IsTransient(fmt.Errorf("cycle failed: %w", &RateLimitedError{RetryAfter: time.Second})))

	assert.False(t, IsTransient(&BrokerRejectionError{Reason: "insufficient buying power"}))
	assert.False(t, IsTransient(&ValidationError{Field: "strike", Reason: "must be positive"}))
	assert.False(t, IsTransient(errors.New("plain error")))
}

func TestErrorUnwrapping(t *testing.T) {
	inner := errors.New("dial tcp: timeout")
	var transport *TransportError
	wrapped := fmt.Errorf("poll account: %w", &TransportError{Err: inner})

	assert.ErrorAs(t, wrapped, &transport)
	assert.ErrorIs(t, wrapped, inner)

	var dispatch *DispatchFailure
	df := &DispatchFailure{SubscriberID: "user-9", Err: inner}
	assert.ErrorAs(t, fmt.Errorf("fanout: %w", df), &dispatch)
	assert.ErrorIs(t, df, inner)
}
