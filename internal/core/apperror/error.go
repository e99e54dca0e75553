// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All engine and authority errors must use AppError for consistent handling.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes for the synchronization engine and the authority API.
const (
	// Infrastructure errors (5xx)
	CodeInternal = "INTERNAL_ERROR"
	CodeDatabase = "DATABASE_ERROR"
	CodeTimeout  = "TIMEOUT_ERROR"

	// Transport errors: the batch stays queued and is retried later
	CodeNetworkUnavailable = "NETWORK_UNAVAILABLE"
	CodeStreamDisconnected = "STREAM_DISCONNECTED"

	// Sync protocol errors
	CodeEntryRejected  = "ENTRY_REJECTED"
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
	CodeClockSkew      = "CLOCK_SKEW"
	CodeDuplicateApply = "DUPLICATE_APPLY"

	// Engine configuration errors, fatal at startup
	CodeIdentityConfig = "IDENTITY_CONFIG"

	// Validation errors (400)
	CodeValidation = "VALIDATION_ERROR"

	// Authorization errors (401, 403)
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"

	// Not found (404)
	CodeNotFound = "NOT_FOUND"

	// Conflict (409)
	CodeConflict = "CONFLICT"
)

// AppError is the standard error type for the engine.
// It implements the error interface and provides structured details for
// logging and API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (table names, txids, counts)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions for common errors ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewInternal creates an internal error (hides details from clients)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewDatabase creates a storage-layer error
func NewDatabase(op string, err error) *AppError {
	return &AppError{
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("storage operation failed: %s", op),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewTimeout creates a timeout error. The affected batch stays queued.
func NewTimeout(op string, err error) *AppError {
	return &AppError{
		Code:       CodeTimeout,
		Message:    fmt.Sprintf("operation timed out: %s", op),
		HTTPStatus: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// NewNetworkUnavailable creates a transient transport error. The affected
// batch stays queued and is retried on the next cycle.
func NewNetworkUnavailable(err error) *AppError {
	return &AppError{
		Code:       CodeNetworkUnavailable,
		Message:    "remote authority unreachable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NewStreamDisconnected creates a stream termination error. Never propagated
// to callers; observable only through the connection-state channel.
func NewStreamDisconnected(err error) *AppError {
	return &AppError{
		Code:       CodeStreamDisconnected,
		Message:    "event stream disconnected",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NewEntryRejected creates a per-entry rejection error. The entry stays
// queued and is not auto-escalated.
func NewEntryRejected(table string, txid int64, reason string) *AppError {
	return &AppError{
		Code:       CodeEntryRejected,
		Message:    "change entry rejected by authority",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"table": table, "txid": txid},
		Err:        errors.New(reason),
	}
}

// NewSchemaMismatch creates a column-mismatch error. Resolved by filtering,
// never fatal.
func NewSchemaMismatch(table string, columns []string) *AppError {
	return &AppError{
		Code:       CodeSchemaMismatch,
		Message:    "remote payload carries columns unknown to the local schema",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"table": table, "columns": columns},
		Err:        fmt.Errorf("columns %v not in table %s", columns, table),
	}
}

// NewIdentityConfig creates a device-identity configuration error.
// Fatal at startup: the engine must refuse writes.
func NewIdentityConfig(message string) *AppError {
	return &AppError{
		Code:       CodeIdentityConfig,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsNetworkUnavailable checks if error is CodeNetworkUnavailable
func IsNetworkUnavailable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeNetworkUnavailable
	}
	return false
}

// IsTimeout checks if error is CodeTimeout
func IsTimeout(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeTimeout
	}
	return false
}

// IsRetryable reports whether the error leaves work queued for a later
// cycle (transport failures and timeouts, as opposed to rejections).
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeNetworkUnavailable || appErr.Code == CodeTimeout
	}
	return false
}

// IsIdentityConfig checks if error is CodeIdentityConfig
func IsIdentityConfig(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == CodeIdentityConfig
	}
	return false
}
