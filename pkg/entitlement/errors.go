package entitlement

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the entitlement service.
var (
	ErrInvalidCode          = errors.New("invalid code")
	ErrCodeInactive         = errors.New("code inactive")
	ErrCodeExhausted        = errors.New("code exhausted")
	ErrCodeExpired          = errors.New("code expired")
	ErrAlreadyRedeemed      = errors.New("code already redeemed")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateCode        = errors.New("duplicate code")
	ErrUnknownUsageEntry    = errors.New("unknown usage entry")
	ErrAlreadyRefunded      = errors.New("usage entry already refunded")
	ErrRefundWindowClosed   = errors.New("usage entry predates current period")
	ErrUnknownTier          = errors.New("unknown tier")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrInvalidCodeID        = errors.New("invalid code id")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidTier          = errors.New("invalid tier")
	ErrInvalidCredits       = errors.New("invalid credits")
	ErrInvalidActionType    = errors.New("invalid action type")
	ErrInvalidCapacity      = errors.New("invalid max redemptions")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidWindow        = errors.New("invalid window")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
)

var validationErrors = []error{
	ErrInvalidCode,
	ErrCodeInactive,
	ErrCodeExhausted,
	ErrCodeExpired,
	ErrAlreadyRedeemed,
	ErrInsufficientBalance,
	ErrDuplicateCode,
	ErrUnknownUsageEntry,
	ErrAlreadyRefunded,
	ErrRefundWindowClosed,
	ErrUnknownTier,
	ErrInvalidUserID,
	ErrInvalidAccountID,
	ErrUnknownAccount,
	ErrInvalidCodeID,
	ErrInvalidEntryID,
	ErrInvalidTier,
	ErrInvalidCredits,
	ErrInvalidActionType,
	ErrInvalidCapacity,
	ErrInvalidMetadataJSON,
	ErrInvalidWindow,
}

// IsValidationError reports whether err is an expected, user-facing failure.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the caller may retry the operation unchanged.
// Redemption retries are safe because of the (account, code) uniqueness guard;
// debit retries are safe because an aborted debit never committed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

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

var errorKinds = []struct {
	target error
	kind   string
}{
	{ErrInvalidCode, "invalid_code"},
	{ErrCodeInactive, "code_inactive"},
	{ErrCodeExhausted, "code_exhausted"},
	{ErrCodeExpired, "code_expired"},
	{ErrAlreadyRedeemed, "already_redeemed"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrDuplicateCode, "duplicate_code"},
	{ErrUnknownUsageEntry, "unknown_usage_entry"},
	{ErrAlreadyRefunded, "already_refunded"},
	{ErrRefundWindowClosed, "refund_window_closed"},
	{ErrConcurrencyConflict, "conflict"},
	{ErrInvalidUserID, "invalid_user_id"},
	{ErrInvalidEntryID, "invalid_entry_id"},
	{ErrInvalidActionType, "invalid_action_type"},
	{ErrInvalidCredits, "invalid_credits"},
	{ErrInvalidMetadataJSON, "invalid_metadata_json"},
}

// ErrorKind returns a stable snake_case label for err. Validation failures
// without a dedicated label map to "invalid_argument"; everything else is
// "internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, candidate := range errorKinds {
		if errors.Is(err, candidate.target) {
			return candidate.kind
		}
	}
	if IsValidationError(err) {
		return "invalid_argument"
	}
	return "internal"
}
