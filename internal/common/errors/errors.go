// Package errors provides standardized error handling for the notification
// pipeline.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Policy errors: terminal, never retried.
	ErrCodeNoChannelEnabled  ErrorCode = "NO_CHANNEL_ENABLED"
	ErrCodeInvalidPreference ErrorCode = "INVALID_PREFERENCE"

	// Delivery errors.
	ErrCodeChannelSendFailed  ErrorCode = "CHANNEL_SEND_FAILED"
	ErrCodeDeliveryExhausted  ErrorCode = "DELIVERY_EXHAUSTED"
	ErrCodeChannelUnsupported ErrorCode = "CHANNEL_UNSUPPORTED"
	ErrCodeRecipientMissing   ErrorCode = "RECIPIENT_MISSING"

	// Store errors. Ledger writes are fail-closed.
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeLedgerWriteFailed        ErrorCode = "LEDGER_WRITE_FAILED"
	ErrCodeStoreConflict            ErrorCode = "STORE_CONFLICT"
	ErrCodeNotificationNotFound     ErrorCode = "NOTIFICATION_NOT_FOUND"

	// Search index errors: best effort, fail-open.
	ErrCodeSearchQueryFailed ErrorCode = "SEARCH_QUERY_FAILED"
	ErrCodeIndexWriteFailed  ErrorCode = "INDEX_WRITE_FAILED"

	// Stream errors.
	ErrCodeEventParseFailed ErrorCode = "EVENT_PARSE_FAILED"
	ErrCodeEventInvalid     ErrorCode = "EVENT_INVALID"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// 2. Error Constructors
// ==========================

// NewNoChannelEnabledError creates a non-retryable policy error for a user
// with no enabled delivery channel.
func NewNoChannelEnabledError(userID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNoChannelEnabled,
		Message:   "No suitable channel enabled for user",
		Details:   fmt.Sprintf("userId: %s", userID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidPreferenceError creates a non-retryable preference validation error.
func NewInvalidPreferenceError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidPreference,
		Message:   "User preference validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewChannelSendFailedError creates a retryable channel sender error.
func NewChannelSendFailedError(channel string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeChannelSendFailed,
		Message:   "Channel delivery failed",
		Details:   fmt.Sprintf("channel: %s, error: %s", channel, err.Error()),
		Retryable: true,
		Metadata:  map[string]interface{}{"channel": channel},
		Timestamp: time.Now().UTC(),
	}
}

// NewDeliveryExhaustedError creates the terminal error surfaced after all
// retry rounds are spent with outstanding channel failures.
func NewDeliveryExhaustedError(notificationID, failureReason string) *StandardError {
	return &StandardError{
		Code:      ErrCodeDeliveryExhausted,
		Message:   "Delivery failed after maximum retries",
		Details:   fmt.Sprintf("notificationId: %s, reason: %s", notificationID, failureReason),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewChannelUnsupportedError creates a non-retryable error for a channel with
// no registered sender.
func NewChannelUnsupportedError(channel string) *StandardError {
	return &StandardError{
		Code:      ErrCodeChannelUnsupported,
		Message:   "No sender registered for channel",
		Details:   fmt.Sprintf("channel: %s", channel),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRecipientMissingError creates a non-retryable error for a channel whose
// delivery address is absent from the preference record.
func NewRecipientMissingError(channel, userID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRecipientMissing,
		Message:   "No recipient address for channel",
		Details:   fmt.Sprintf("channel: %s, userId: %s", channel, userID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Database query execution error",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewLedgerWriteFailedError creates a retryable error for the critical ledger
// write path. These propagate to the caller instead of being swallowed.
func NewLedgerWriteFailedError(notificationID string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeLedgerWriteFailed,
		Message:   "Delivery ledger write failed",
		Details:   fmt.Sprintf("notificationId: %s, error: %s", notificationID, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreConflictError creates a non-retryable error for a conditional
// update whose status precondition no longer holds.
func NewStoreConflictError(notificationID, expectedStatus string) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreConflict,
		Message:   "Conditional update precondition failed",
		Details:   fmt.Sprintf("notificationId: %s, expectedStatus: %s", notificationID, expectedStatus),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationNotFoundError creates a non-retryable lookup error.
func NewNotificationNotFoundError(notificationID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationNotFound,
		Message:   "Notification not found",
		Details:   fmt.Sprintf("notificationId: %s", notificationID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSearchQueryFailedError creates a retryable search query error.
func NewSearchQueryFailedError(queryType string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSearchQueryFailed,
		Message:   "Elasticsearch query error",
		Details:   fmt.Sprintf("queryType: %s, error: %s", queryType, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewIndexWriteFailedError creates a retryable index write error. Indexing is
// best effort; callers log and continue.
func NewIndexWriteFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeIndexWriteFailed,
		Message:   "Elasticsearch index write failed",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewEventParseFailedError creates a non-retryable error for a malformed
// stream entry. The entry is acknowledged and dropped.
func NewEventParseFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeEventParseFailed,
		Message:   "Inbound event parse failed",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewEventInvalidError creates a non-retryable schema validation error.
func NewEventInvalidError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeEventInvalid,
		Message:   "Inbound event failed schema validation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Utility Functions
// ==========================

// AsStandard normalizes any error into a StandardError.
func AsStandard(err error) *StandardError {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr
	}
	return &StandardError{
		Code:      "INTERNAL_ERROR",
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// IsRetryable reports whether err should be retried (redelivered) rather
// than converted into terminal notification state.
func IsRetryable(err error) bool {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr.Retryable
	}
	return false
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetRetryCount returns the recommended retry count per error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeLedgerWriteFailed,
		ErrCodeIndexWriteFailed,
		ErrCodeSearchQueryFailed:
		return 3 // Retryable technical errors

	case ErrCodeChannelSendFailed:
		return 2 // Bounded by the delivery retry rounds

	default:
		return 0 // Policy and validation errors: no retry
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "CHANNEL") || strings.Contains(codeStr, "DELIVERY") || strings.Contains(codeStr, "RECIPIENT"):
		return "DELIVERY"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "QUERY") || strings.Contains(codeStr, "LEDGER") || strings.Contains(codeStr, "STORE") || strings.Contains(codeStr, "NOTIFICATION_NOT_FOUND"):
		return "STORE"
	case strings.Contains(codeStr, "SEARCH") || strings.Contains(codeStr, "INDEX"):
		return "SEARCH"
	case strings.Contains(codeStr, "EVENT"):
		return "STREAM"
	case strings.Contains(codeStr, "PREFERENCE") || strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
