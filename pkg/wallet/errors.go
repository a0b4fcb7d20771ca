package wallet

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrUnsupportedCurrency      = errors.New("unsupported currency")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrUserNotFound             = errors.New("user not found")
	ErrStoreUnavailable         = errors.New("store unavailable")
	ErrExchangeProcessingFailed = errors.New("exchange processing failed")
	ErrDuplicateConfirmation    = errors.New("duplicate confirmation")
	ErrReconciliationRequired   = errors.New("reconciliation required")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionConflict      = errors.New("transaction status conflict")
	ErrDuplicateEntry           = errors.New("duplicate ledger entry")
	ErrDuplicateSession         = errors.New("duplicate provider session")
	ErrEntryNotFound            = errors.New("ledger entry not found")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidEntryType         = errors.New("invalid entry type")
	ErrInvalidEntryID           = errors.New("invalid entry id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidSessionID         = errors.New("invalid provider session id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidRateTable         = errors.New("invalid rate table")
	ErrInvalidSagaTransition    = errors.New("invalid saga transition")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
