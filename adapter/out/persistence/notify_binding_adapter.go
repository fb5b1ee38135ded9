package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"notify_server/core/domain"
	"notify_server/core/port/out"
)

// BindingAdapter implements out.BindingRepository.
type BindingAdapter struct {
	codec *Codec
	now   func() time.Time
}

func NewBindingAdapter(codec *Codec) *BindingAdapter {
	return &BindingAdapter{codec: codec, now: time.Now}
}

var _ out.BindingRepository = (*BindingAdapter)(nil)

type bindingRow struct {
	AccountID  string `db:"account_id"`
	MailboxEnc string `db:"mailbox_enc"`
	Provider   string `db:"provider"`
	CreatedAt  int64  `db:"created_at"`
}

func (a *BindingAdapter) Bind(ctx context.Context, s out.Session, b *domain.MailboxBinding) (bool, error) {
	mailboxEnc, err := a.codec.Seal(b.Mailbox)
	if err != nil {
		return false, err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = a.now().UTC().Truncate(time.Second)
	}

	res, err := s.ExecContext(ctx, s.Rebind(`
		INSERT INTO mailbox_bindings (account_id, mailbox_hash, provider, mailbox_enc, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, mailbox_hash, provider) DO NOTHING`),
		b.AccountID, a.codec.Key(b.Mailbox), string(b.Provider), mailboxEnc, b.CreatedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("bind mailbox: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *BindingAdapter) Unbind(ctx context.Context, s out.Session, accountID, mailbox string, provider domain.Provider) (bool, error) {
	res, err := s.ExecContext(ctx, s.Rebind(`
		DELETE FROM mailbox_bindings
		WHERE account_id = ? AND mailbox_hash = ? AND provider = ?`),
		accountID, a.codec.Key(mailbox), string(provider))
	if err != nil {
		return false, fmt.Errorf("unbind mailbox: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *BindingAdapter) ListByAccount(ctx context.Context, s out.Session, accountID string) ([]*domain.MailboxBinding, error) {
	var rows []bindingRow
	err := sqlx.SelectContext(ctx, s, &rows, s.Rebind(`
		SELECT account_id, mailbox_enc, provider, created_at FROM mailbox_bindings
		WHERE account_id = ?
		ORDER BY created_at, mailbox_hash`), accountID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}

	bindings := make([]*domain.MailboxBinding, 0, len(rows))
	for _, r := range rows {
		mailbox, err := a.codec.Open(r.MailboxEnc)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, &domain.MailboxBinding{
			AccountID: r.AccountID,
			Mailbox:   mailbox,
			Provider:  domain.Provider(r.Provider),
			CreatedAt: fromUnix(r.CreatedAt),
		})
	}
	return bindings, nil
}

func (a *BindingAdapter) Recipients(ctx context.Context, s out.Session, mailbox string, provider domain.Provider) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s, &ids, s.Rebind(`
		SELECT b.account_id FROM mailbox_bindings b
		LEFT JOIN accounts a ON a.account_id = b.account_id
		WHERE b.mailbox_hash = ? AND b.provider = ? AND COALESCE(a.blacklisted, FALSE) = FALSE
		ORDER BY b.account_id`), a.codec.Key(mailbox), string(provider))
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	return ids, nil
}

// Bound reports whether accountID has bound mailbox.
func (a *BindingAdapter) Bound(ctx context.Context, s out.Session, accountID, mailbox string, provider domain.Provider) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, s, &n, s.Rebind(`
		SELECT COUNT(*) FROM mailbox_bindings
		WHERE account_id = ? AND mailbox_hash = ? AND provider = ?`),
		accountID, a.codec.Key(mailbox), string(provider))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check binding: %w", err)
	}
	return n > 0, nil
}

func (a *BindingAdapter) DeleteByAccount(ctx context.Context, s out.Session, accountID string) (int64, error) {
	res, err := s.ExecContext(ctx, s.Rebind(`DELETE FROM mailbox_bindings WHERE account_id = ?`), accountID)
	if err != nil {
		return 0, fmt.Errorf("delete bindings: %w", err)
	}
	return res.RowsAffected()
}
