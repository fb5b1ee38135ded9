package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredential means the provider rejected the refresh token.
	// Only re-authorization recovers the mailbox.
	ErrInvalidCredential = errors.New("credential is no longer valid")
	ErrInvalidAddress    = errors.New("invalid email address")
	ErrNotFound          = errors.New("not found")
	ErrBlacklisted       = errors.New("account is blacklisted")
)

// InvalidCredentialError is terminal for one mailbox.
type InvalidCredentialError struct {
	Mailbox string
	Cause   error
}

func (e *InvalidCredentialError) Error() string {
	return fmt.Sprintf("invalid credential for mailbox: %v", e.Cause)
}

func (e *InvalidCredentialError) Unwrap() []error {
	return []error{ErrInvalidCredential, e.Cause}
}

// TransientProviderError covers timeouts, network errors and 5xx responses.
// Callers may retry on their own schedule.
type TransientProviderError struct {
	Op    string
	Cause error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Cause)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Cause
}

func IsInvalidCredential(err error) bool {
	return errors.Is(err, ErrInvalidCredential)
}

func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}
