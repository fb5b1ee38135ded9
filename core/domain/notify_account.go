package domain

import "time"

// Account is a chat-side recipient identity.
type Account struct {
	ID          string    `json:"account_id"`
	Blacklisted bool      `json:"blacklisted"`
	CreatedAt   time.Time `json:"created_at"`
}

// MailboxBinding links a recipient to a mailbox it wants notifications for.
// Several accounts may bind the same mailbox.
type MailboxBinding struct {
	AccountID string    `json:"account_id"`
	Mailbox   string    `json:"mailbox"`
	Provider  Provider  `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// WatchRegistration records the last provider watch call for a mailbox.
type WatchRegistration struct {
	Mailbox   string    `json:"mailbox"`
	HistoryID uint64    `json:"history_id"`
	ExpiresAt time.Time `json:"expires_at"`
	RenewedAt time.Time `json:"renewed_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Expired reports whether the watch has lapsed at now.
func (w *WatchRegistration) Expired(now time.Time) bool {
	return w.ExpiresAt.IsZero() || !w.ExpiresAt.After(now)
}
