package out

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"notify_server/core/domain"
)

// Session is the query handle every data-access call takes: the pool itself
// or an open transaction.
type Session = sqlx.ExtContext

// TxRunner opens scoped transactions. The orchestration layer opens one per
// logical operation and passes the session down.
type TxRunner interface {
	InTx(ctx context.Context, fn func(s Session) error) error
	Session() Session
}

// CredentialRepository is the encrypted credential store. Lookups go through
// a keyed hash of the normalized mailbox address.
type CredentialRepository interface {
	// Save upserts the record for rec.Mailbox, marking it valid.
	Save(ctx context.Context, s Session, rec *domain.CredentialRecord) error
	// Load returns nil, nil when no record exists. Invalid records are
	// returned too.
	Load(ctx context.Context, s Session, mailbox string) (*domain.CredentialRecord, error)
	SetValidity(ctx context.Context, s Session, mailbox string, valid bool) (bool, error)
	LoadAllValid(ctx context.Context, s Session) ([]*domain.CredentialRecord, error)
	ListByOwner(ctx context.Context, s Session, accountID string) ([]*domain.CredentialRecord, error)
	// SetOwner moves the record to accountID and reports whether it existed.
	SetOwner(ctx context.Context, s Session, mailbox, accountID string) (bool, error)
	DeleteByOwner(ctx context.Context, s Session, accountID string) (int64, error)
}

// LedgerRepository records message ids already surfaced per mailbox.
type LedgerRepository interface {
	Contains(ctx context.Context, s Session, mailbox, messageID string) (bool, error)
	// Record reports whether the id was newly recorded. Entries beyond the
	// ledger capacity are pruned oldest first.
	Record(ctx context.Context, s Session, mailbox, messageID string, at time.Time) (bool, error)
	Latest(ctx context.Context, s Session, mailbox string) (string, error)
	Purge(ctx context.Context, s Session, mailbox string) error
}

// FilterRepository persists sender rules. Load never returns nil: absent rows
// read as defaults.
type FilterRepository interface {
	Load(ctx context.Context, s Session, accountID, mailbox string) (*domain.FilterSettings, error)
	SetAllowListEnabled(ctx context.Context, s Session, accountID, mailbox string, enabled bool) error
	AddSender(ctx context.Context, s Session, accountID, mailbox string, kind domain.ListKind, sender string) (bool, error)
	RemoveSender(ctx context.Context, s Session, accountID, mailbox string, kind domain.ListKind, sender string) (bool, error)
	DeleteForMailbox(ctx context.Context, s Session, accountID, mailbox string) error
	DeleteByAccount(ctx context.Context, s Session, accountID string) error
}

type BindingRepository interface {
	// Bind reports whether the binding was newly created.
	Bind(ctx context.Context, s Session, b *domain.MailboxBinding) (bool, error)
	Unbind(ctx context.Context, s Session, accountID, mailbox string, provider domain.Provider) (bool, error)
	ListByAccount(ctx context.Context, s Session, accountID string) ([]*domain.MailboxBinding, error)
	Bound(ctx context.Context, s Session, accountID, mailbox string, provider domain.Provider) (bool, error)
	// Recipients lists the non-blacklisted accounts bound to mailbox.
	Recipients(ctx context.Context, s Session, mailbox string, provider domain.Provider) ([]string, error)
	DeleteByAccount(ctx context.Context, s Session, accountID string) (int64, error)
}

type AccountRepository interface {
	Ensure(ctx context.Context, s Session, accountID string) (*domain.Account, error)
	// Get returns nil, nil when the account does not exist.
	Get(ctx context.Context, s Session, accountID string) (*domain.Account, error)
	SetBlacklisted(ctx context.Context, s Session, accountID string, blacklisted bool) (bool, error)
	Delete(ctx context.Context, s Session, accountID string) (bool, error)
}

type WatchRepository interface {
	Upsert(ctx context.Context, s Session, w *domain.WatchRegistration) error
	RecordFailure(ctx context.Context, s Session, mailbox, message string, at time.Time) error
	List(ctx context.Context, s Session) ([]*domain.WatchRegistration, error)
	Delete(ctx context.Context, s Session, mailbox string) error
}
