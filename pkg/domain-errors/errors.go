package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a category of failure that callers can branch on without
// string matching. The set mirrors what the sync engine can actually report.
type Code string

const (
	// CodeConnectivity means no usable ledger session (node unreachable,
	// subscription dropped, signer not connected).
	CodeConnectivity Code = "connectivity"

	// CodeScopeUnavailable means the requested enumeration primitive is
	// missing on-chain and a degraded fallback was (or must be) used.
	CodeScopeUnavailable Code = "scope_unavailable"

	// CodeValidation covers malformed input caught before any remote call:
	// bad addresses, bad content references, impossible transitions.
	CodeValidation Code = "validation"

	// CodeTxRejected means the signer declined to sign the transaction.
	CodeTxRejected Code = "tx_rejected"

	// CodeTxFailed means the transaction was submitted but reverted or
	// could not be mined (gas, nonce, contract logic).
	CodeTxFailed Code = "tx_failed"

	// CodePartialLoad means some items of a batch failed; the successful
	// ones are still usable and attached to the result.
	CodePartialLoad Code = "partial_load"

	// CodeNotFoundEmpty means the scope is valid and legitimately holds
	// zero records. Distinct from "not yet loaded".
	CodeNotFoundEmpty Code = "not_found_empty"

	CodeNotFound     Code = "not_found"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeBadRequest   Code = "bad_request"
	CodeInternal     Code = "internal"
)

// Error is the coded error carried across package boundaries. It wraps an
// optional cause so errors.Is/As keep working through it.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code to the HTTP status the transport layer should use.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeTxRejected:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeNotFoundEmpty:
		return http.StatusNotFound
	case CodeScopeUnavailable, CodePartialLoad:
		// Degraded but usable results still ship a body.
		return http.StatusOK
	case CodeConnectivity:
		return http.StatusServiceUnavailable
	case CodeTxFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
