/*
errors.go - Service error taxonomy

PURPOSE:
  All error kinds the backend services report, in one place. The session
  layer classifies every service failure into one of these kinds before any
  caller-visible action is taken; a raw transport error never escapes.

ERROR KINDS:
  1. Conflict (outdated data) - concurrency token mismatch; recovery is
     refetch, never last-write-wins.
  2. Rate not found - a required year/currency rate pair is absent; recovery
     is a degraded reload with actuals suppressed.
  3. Incorrect parameters - a request the backend rejected as invalid.
  4. Not found - a referenced project or subproject does not exist.

USAGE:
  Implementations wrap the sentinels with operation context:

    return services.ErrorOf("subproject.save", services.ErrOutdatedData)

  Callers classify with the helpers:

    if services.IsConflict(err) { ... }
*/
package services

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOutdatedData is returned when a save or approval check targets a
	// record modified by another session since it was read.
	ErrOutdatedData = errors.New("outdated data")

	// ErrRateNotFound is returned when a required year/currency exchange
	// rate combination is absent.
	ErrRateNotFound = errors.New("exchange rate not found")

	// ErrIncorrectParams is returned when the backend rejects a request as
	// invalid.
	ErrIncorrectParams = errors.New("incorrect parameters")

	// ErrNotFound is returned when a referenced project or subproject does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrServiceFailure classifies transport and server failures that carry
	// no more specific kind. The session wraps every unrecognized error with
	// it before anything caller-visible happens.
	ErrServiceFailure = errors.New("service failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ServiceError attaches the failing operation to an underlying error kind.
type ServiceError struct {
	Op  string // e.g. "subproject.save", "currency.rates"
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// ErrorOf wraps an error kind with the failing operation.
func ErrorOf(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Op: op, Err: err}
}

// RateNotFoundError reports which rate pair was missing.
type RateNotFoundError struct {
	Year       int
	CurrencyID int64
}

func (e *RateNotFoundError) Error() string {
	return fmt.Sprintf("exchange rate not found: year %d, currency %d", e.Year, e.CurrencyID)
}

func (e *RateNotFoundError) Unwrap() error {
	return ErrRateNotFound
}

// ConflictError reports which subproject's token mismatched.
type ConflictError struct {
	SubprojectKey string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("outdated data: subproject %s was modified by another session", e.SubprojectKey)
}

func (e *ConflictError) Unwrap() error {
	return ErrOutdatedData
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true if the error is a concurrency conflict. The only
// valid recovery is refetching the canonical state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOutdatedData)
}

// IsRateNotFound returns true if the error is a missing exchange rate.
func IsRateNotFound(err error) bool {
	return errors.Is(err, ErrRateNotFound)
}

// IsValidation returns true if the error is due to invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrIncorrectParams)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Classify returns the error unchanged when it already carries one of the
// taxonomy kinds, and wraps everything else as a service failure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsConflict(err) || IsRateNotFound(err) || IsValidation(err) || IsNotFound(err) ||
		errors.Is(err, ErrServiceFailure) {
		return err
	}
	return &ServiceError{Op: op, Err: fmt.Errorf("%w: %v", ErrServiceFailure, err)}
}
