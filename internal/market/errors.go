package market

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every venue adapter and the aggregator.
var (
	// ErrNotReady means the data has not been received yet; callers should
	// retry after a short delay. Adapters log it at debug level only.
	ErrNotReady = errors.New("market data not ready")

	// ErrNotFound means the symbol is unknown to the venue.
	ErrNotFound = errors.New("symbol not found")

	// ErrInsufficientFunds is the subset of order rejections UIs render
	// specially. It matches RejectedError via errors.Is.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// TransientError wraps a network blip, timeout, or 5xx. Streams recover
// from it internally; one-shot REST and order calls surface it with
// guidance to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError for operation op.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RejectReason classifies why a venue (or the normalizer acting on its
// behalf) refused an order. Rejections are never retried.
type RejectReason string

const (
	ReasonTooSmall          RejectReason = "too_small"
	ReasonBelowMinimum      RejectReason = "below_minimum"
	ReasonInvalidPrice      RejectReason = "invalid_price"
	ReasonMargin            RejectReason = "margin"
	ReasonInsufficientFunds RejectReason = "insufficient_funds"
)

// RejectedError is a venue order refusal.
type RejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("order rejected: %s", e.Reason)
	}
	return fmt.Sprintf("order rejected: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is(err, ErrInsufficientFunds) match funds rejections.
func (e *RejectedError) Is(target error) bool {
	return target == ErrInsufficientFunds && e.Reason == ReasonInsufficientFunds
}

// Rejected builds a RejectedError.
func Rejected(reason RejectReason, detail string) error {
	return &RejectedError{Reason: reason, Detail: detail}
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// ConfigError is a misconfiguration, fatal to the affected adapter.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}
