package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ValidationError is a malformed or missing input. Nothing has been touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError is a missing memo, proposal, asset, entity or account.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// PreconditionError is a well-formed request the current state does not allow:
// missing trustline, short balance, inactive asset, item already paid.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// ConflictError is a write that collides with an existing row, such as a
// duplicate asset or entity code.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ChainError is a failure reported by, or talking to, the Stellar network.
type ChainError struct {
	Message     string
	Unavailable bool
	Err         error
}

func (e *ChainError) Error() string { return e.Message }

func (e *ChainError) Unwrap() error { return e.Err }

// LedgerRecordingError means the transfer settled on-chain but its bookkeeping
// rows could not be written. It is never surfaced as an HTTP failure.
type LedgerRecordingError struct {
	TxHash string
	Err    error
}

func (e *LedgerRecordingError) Error() string {
	return fmt.Sprintf("ledger recording failed for %s: %v", e.TxHash, e.Err)
}

func (e *LedgerRecordingError) Unwrap() error { return e.Err }

func newValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func newNotFoundError(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

func newPreconditionError(format string, args ...any) error {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

func newConflictError(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func newNetworkError(err error) error {
	return &ChainError{Message: "Stellar network error: " + err.Error(), Unavailable: true, Err: err}
}

// StatusFor maps an error to its HTTP status. Untyped errors fall back to
// matching well-known message fragments.
func StatusFor(err error) int {
	var (
		vErr *ValidationError
		nErr *NotFoundError
		pErr *PreconditionError
		xErr *ConflictError
		cErr *ChainError
	)
	switch {
	case errors.As(err, &vErr), errors.As(err, &pErr):
		return http.StatusBadRequest
	case errors.As(err, &nErr):
		return http.StatusNotFound
	case errors.As(err, &xErr):
		return http.StatusConflict
	case errors.As(err, &cErr):
		if cErr.Unavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "Stellar network error"):
		return http.StatusServiceUnavailable
	case strings.Contains(msg, "Invalid"), strings.Contains(msg, "Missing"),
		strings.Contains(msg, "Insufficient"), strings.Contains(msg, "trustline"):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeServiceError sends err with its mapped status. 500s hide the detail.
func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	SendErrorResponse(w, msg, status, nil)
}
