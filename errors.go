package coinfleet

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// EngineError is a typed error surfaced to device-facing callers.
type EngineError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeConfigurationInvalid = "configuration_invalid"
	ErrCodeUnknownField         = "unknown_field"
	ErrCodeInvalidValue         = "invalid_value"
	ErrCodeInsufficientFunds    = "insufficient_funds"
	ErrCodeDuplicateEvent       = "duplicate_event"
	ErrCodeStaleRequest         = "stale_request"
	ErrCodePersistence          = "persistence"
)

// NewEngineError creates a new engine error
func NewEngineError(code, message string, details map[string]interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// HTTP-equivalent status code carried to devices when a wallet cannot
// cover a send.
const InsufficientFundsStatus = 570

// ErrInsufficientFunds is returned by wallet providers when a send exceeds
// the spendable balance. Devices receive it as a typed error, not a
// generic failure.
var ErrInsufficientFunds = NewEngineError(ErrCodeInsufficientFunds, "wallet cannot cover send", nil)

// IsUniqueViolation reports whether err is a storage-level uniqueness
// constraint violation. The uniqueness constraint is the only
// synchronization primitive the engine relies on, so this classification
// gates the insert-first, read-on-conflict paths.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var dup *EngineError
	if errors.As(err, &dup) {
		return dup.Code == ErrCodeDuplicateEvent
	}
	return false
}

// IsLowSeverity reports whether err is an expected race (unique-violation)
// that should be logged quietly rather than loudly.
func IsLowSeverity(err error) bool {
	return IsUniqueViolation(err)
}
