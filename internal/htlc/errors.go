package htlc

import (
	"errors"
	"fmt"
)

// ErrorCode classifies adapter failures. Codes are stable strings: they are
// persisted in operation records and surfaced through the API.
type ErrorCode string

// Adapter error codes.
const (
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeAllowanceFailed     ErrorCode = "ALLOWANCE_FAILED"
	CodeDuplicateLockID     ErrorCode = "DUPLICATE_LOCK_ID"
	CodeInvalidParams       ErrorCode = "INVALID_PARAMS"
	CodeNetwork             ErrorCode = "NETWORK"
	CodeReverted            ErrorCode = "REVERTED"
	CodeNotClaimable        ErrorCode = "NOT_CLAIMABLE"
	CodeWrongPreimage       ErrorCode = "WRONG_PREIMAGE"
	CodeNotFound            ErrorCode = "NOT_FOUND"
)

// Error wraps an underlying failure with a classification code and the
// adapter operation that produced it.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, code ErrorCode, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the classification code from an error chain, defaulting
// to NETWORK for unclassified failures.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeNetwork
}

// IsTransient reports whether an error is worth retrying. Only network-level
// failures are; a revert will revert again.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeNetwork
}
