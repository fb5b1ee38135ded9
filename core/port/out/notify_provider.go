package out

import (
	"context"
	"time"

	"notify_server/core/domain"
)

// OAuthProvider exchanges authorization codes and refreshes tokens.
type OAuthProvider interface {
	AuthURL(state string) string
	// Exchange returns a credential without Mailbox or AccountID set.
	Exchange(ctx context.Context, code string) (*domain.CredentialRecord, error)
	// Refresh returns rec with fresh token fields. A rejected refresh token
	// surfaces as a ProviderError with Code ProviderErrInvalidGrant.
	Refresh(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error)
}

// MailProvider is the webmail API surface the pipeline needs.
type MailProvider interface {
	MailboxAddress(ctx context.Context, rec *domain.CredentialRecord) (string, error)
	ListRecentMessageIDs(ctx context.Context, rec *domain.CredentialRecord, count int) ([]string, error)
	FetchMessage(ctx context.Context, rec *domain.CredentialRecord, id string) (*domain.Message, error)
	Watch(ctx context.Context, rec *domain.CredentialRecord, topic string) (*WatchResult, error)
}

type WatchResult struct {
	HistoryID  uint64
	Expiration time.Time
}

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrInvalidGrant ProviderErrorCode = "invalid_grant"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}
