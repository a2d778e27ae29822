package crnwatch

import (
	"errors"
	"fmt"
)

var (
	ErrConflict = errors.New("resource already exists")
	ErrNotFound = errors.New("resource not found")

	// Wrapped by a channel when retrying a send can't help.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

// ValidationError is bad input, rejected before anything is dispatched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UpstreamError is a transient failure talking to the registrar.
type UpstreamError struct {
	Status int // Zero when no response was read
	Reason string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("registrar unavailable: status %d: %s", e.Status, e.Reason)
	}

	return fmt.Sprintf("registrar unavailable: %s", e.Reason)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ProtocolError means the registrar answered with something we can't read.
// Retrying won't fix it.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unreadable registrar response: %s", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// StoreError is a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the poll that produced err should be retried
// with backoff.
func IsRetryable(err error) bool {
	var (
		upstreamErr *UpstreamError
		storeErr    *StoreError
	)

	return errors.As(err, &upstreamErr) || errors.As(err, &storeErr)
}
