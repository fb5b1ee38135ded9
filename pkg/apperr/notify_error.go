package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to dashboard and chat-layer callers. The set is small
// and stable; internal error types never leak past it.
const (
	CodeInvalidRequestData        = "invalid_request_data"
	CodeInvalidEmailAddressFormat = "invalid_email_address_format"
	CodeMissingRecipient          = "missing_recipient_id"
	CodeUnknownMailbox            = "unknown_mailbox"
	CodeAccountBlacklisted        = "account_blacklisted"
	CodeUnauthorized              = "unauthorized"
	CodeInvalidState              = "invalid_oauth_state"
	CodeOAuthFailed               = "oauth_failed"
	CodeNotFound                  = "not_found"
	CodeRateLimited               = "rate_limited"
	CodeInternal                  = "internal_error"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// InvalidRequestData covers malformed bodies and missing fields.
func InvalidRequestData(message string) *AppError {
	return New(CodeInvalidRequestData, message, http.StatusBadRequest)
}

// MissingField is an InvalidRequestData naming the absent field.
func MissingField(field string) *AppError {
	if field == "account_id" {
		return New(CodeMissingRecipient, "missing required field: account_id", http.StatusBadRequest).
			WithDetail("field", field)
	}
	return InvalidRequestData(fmt.Sprintf("missing required field: %s", field)).WithDetail("field", field)
}

func InvalidEmailAddress(addr string) *AppError {
	return New(CodeInvalidEmailAddressFormat, "invalid email address format", http.StatusBadRequest).
		WithDetail("value", addr)
}

func UnknownMailbox() *AppError {
	return New(CodeUnknownMailbox, "mailbox is not bound to this account", http.StatusNotFound)
}

func Blacklisted() *AppError {
	return New(CodeAccountBlacklisted, "account is blacklisted", http.StatusForbidden)
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidState(err error) *AppError {
	return Wrap(err, CodeInvalidState, "invalid or expired oauth state", http.StatusBadRequest)
}

func OAuthFailed(provider string, err error) *AppError {
	return Wrap(err, CodeOAuthFailed, fmt.Sprintf("OAuth failed for %s", provider), http.StatusBadGateway).
		WithDetail("provider", provider)
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func Internal(err error) *AppError {
	return Wrap(err, CodeInternal, "internal server error", http.StatusInternalServerError)
}

var ErrRateLimited = New(CodeRateLimited, "too many requests", http.StatusTooManyRequests)

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError returns err as an AppError, hiding anything unstructured behind
// an internal_error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
