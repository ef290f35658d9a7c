package execution

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is returned by every failed Run. It always names the execution so
// callers can find its ledger trail.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ExecutionID identifies the run.
	ExecutionID string

	// Retryable reports whether the same request may succeed later.
	Retryable bool

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes run errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed request or a contract violation.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeCoherenceBlocked indicates the policy or the staleness check
	// blocked the run.
	ErrCodeCoherenceBlocked ErrorCode = "COHERENCE_BLOCKED"

	// ErrCodePolicyDeferred indicates the policy deferred the run.
	ErrCodePolicyDeferred ErrorCode = "POLICY_DEFERRED"

	// ErrCodeIdempotencyConflict indicates a replay disagreed with a prior event.
	ErrCodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"

	// ErrCodeModelOutputInvalid indicates the agent produced ungroundable or
	// disallowed drafts.
	ErrCodeModelOutputInvalid ErrorCode = "MODEL_OUTPUT_INVALID"

	// ErrCodeAgentUnavailable indicates the agent could not be reached.
	ErrCodeAgentUnavailable ErrorCode = "AGENT_UNAVAILABLE"

	// ErrCodeLedgerUnavailable indicates a ledger read or write failed.
	ErrCodeLedgerUnavailable ErrorCode = "LEDGER_UNAVAILABLE"
)

// Cancel reasons recorded on cancelled events.
const (
	CancelPolicyDeferred        = "POLICY_DEFERRED"
	CancelPartialRequiresReview = "PARTIAL_REQUIRES_REVIEW"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, e.Message, e.ExecutionID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode maps err to the conventional HTTP status.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeCoherenceBlocked:
		return http.StatusForbidden
	case ErrCodePolicyDeferred, ErrCodeIdempotencyConflict:
		return http.StatusConflict
	case ErrCodeModelOutputInvalid:
		return http.StatusUnprocessableEntity
	case ErrCodeAgentUnavailable:
		return http.StatusBadGateway
	case ErrCodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code of a run error, or "" for other errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable returns true if err is a run error marked retryable.
// Uses errors.As to handle wrapped errors.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

// IsValidationError returns true if the error is a VALIDATION_ERROR.
func IsValidationError(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsCoherenceBlocked returns true if the error is a COHERENCE_BLOCKED.
func IsCoherenceBlocked(err error) bool {
	return CodeOf(err) == ErrCodeCoherenceBlocked
}

// IsConflict returns true if the error is an IDEMPOTENCY_CONFLICT.
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeIdempotencyConflict
}

func newError(code ErrorCode, executionID, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		ExecutionID: executionID,
		Retryable:   retryable(code),
	}
}

func retryable(code ErrorCode) bool {
	switch code {
	case ErrCodeModelOutputInvalid, ErrCodeAgentUnavailable, ErrCodeLedgerUnavailable:
		return true
	}
	return false
}
