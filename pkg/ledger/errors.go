package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger and spend services.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidWallet          = errors.New("invalid wallet")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with a different payload")
	ErrHoldNotFound           = errors.New("hold not found")
	ErrInvalidStateTransition = errors.New("invalid hold state transition")
	ErrHoldExpired            = errors.New("hold expired")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrItemNotActive          = errors.New("catalog item not active")
	ErrSystemFailure          = errors.New("system failure")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrTransientConflict       = errors.New("transient conflict")
	ErrInvalidOwnerRef         = errors.New("invalid owner reference")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidReason           = errors.New("invalid reason")
	ErrInvalidSKU              = errors.New("invalid sku")
	ErrInvalidHoldID           = errors.New("invalid hold id")
	ErrInvalidHoldStatus       = errors.New("invalid hold status")
	ErrInvalidExpiry           = errors.New("invalid hold expiry")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
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

// Failure is the caller-facing view of an error: a stable kind plus a
// human-readable reason. It never carries driver messages or owner refs.
type Failure struct {
	Kind   string
	Reason string
}

// FailureKindSystem is reported for anything outside the domain taxonomy.
const FailureKindSystem = "system_error"

var failureKinds = []struct {
	target error
	kind   string
}{
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInvalidWallet, "invalid_wallet"},
	{ErrIdempotencyConflict, "idempotency_conflict"},
	{ErrHoldNotFound, "hold_not_found"},
	{ErrInvalidStateTransition, "invalid_state_transition"},
	{ErrHoldExpired, "hold_expired"},
	{ErrInvalidTransaction, "invalid_transaction"},
	{ErrItemNotActive, "item_not_active"},
	{ErrInvalidOwnerRef, "invalid_wallet"},
	{ErrInvalidIdempotencyKey, "invalid_idempotency_key"},
	{ErrInvalidMetadataJSON, "invalid_metadata"},
	{ErrInvalidReason, "invalid_reason"},
	{ErrInvalidSKU, "item_not_active"},
	{ErrInvalidHoldID, "hold_not_found"},
	{ErrInvalidExpiry, "invalid_expiry"},
}

// Describe maps err onto the public error taxonomy.
func Describe(err error) Failure {
	if err == nil {
		return Failure{}
	}
	for _, candidate := range failureKinds {
		if errors.Is(err, candidate.target) {
			return Failure{Kind: candidate.kind, Reason: candidate.target.Error()}
		}
	}
	return Failure{Kind: FailureKindSystem, Reason: ErrSystemFailure.Error()}
}
