package domain

import (
	"slices"
	"time"
)

// Provider names a webmail provider. Only Gmail is wired today.
type Provider string

const ProviderGmail Provider = "gmail"

// RefreshWindow is how close to expiry an access token may get before it is
// refreshed.
const RefreshWindow = 5 * time.Minute

// CredentialRecord is the OAuth credential for one mailbox. Token fields are
// never serialized to clients.
type CredentialRecord struct {
	Mailbox      string    `json:"mailbox"`
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	IDToken      string    `json:"-"`
	TokenType    string    `json:"-"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
	Valid        bool      `json:"valid"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NeedsRefresh reports whether the access token is missing or expires within
// window of now. A zero Expiry means the provider gave no expiry.
func (c *CredentialRecord) NeedsRefresh(now time.Time, window time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.Expiry.IsZero() {
		return false
	}
	return !c.Expiry.After(now.Add(window))
}

// Rotated reports whether next carries different token material than c.
func (c *CredentialRecord) Rotated(next *CredentialRecord) bool {
	return c.AccessToken != next.AccessToken ||
		c.RefreshToken != next.RefreshToken ||
		c.IDToken != next.IDToken ||
		!c.Expiry.Equal(next.Expiry)
}

func (c *CredentialRecord) Clone() *CredentialRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = slices.Clone(c.Scopes)
	return &out
}
