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
	"notify_server/pkg/crypto"
)

// FilterAdapter implements out.FilterRepository. Sender lists live in
// filter_senders, one row per (recipient, mailbox, list, sender).
type FilterAdapter struct {
	codec *Codec
	now   func() time.Time
}

func NewFilterAdapter(codec *Codec) *FilterAdapter {
	return &FilterAdapter{codec: codec, now: time.Now}
}

var _ out.FilterRepository = (*FilterAdapter)(nil)

type senderRow struct {
	ListKind  string `db:"list_kind"`
	SenderEnc string `db:"sender_enc"`
}

func (a *FilterAdapter) Load(ctx context.Context, s out.Session, accountID, mailbox string) (*domain.FilterSettings, error) {
	key := a.codec.Key(mailbox)

	var enabled bool
	err := sqlx.GetContext(ctx, s, &enabled, s.Rebind(`
		SELECT allow_list_enabled FROM filter_settings
		WHERE account_id = ? AND mailbox_hash = ?`), accountID, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load filter settings: %w", err)
	}

	var rows []senderRow
	err = sqlx.SelectContext(ctx, s, &rows, s.Rebind(`
		SELECT list_kind, sender_enc FROM filter_senders
		WHERE account_id = ? AND mailbox_hash = ?`), accountID, key)
	if err != nil {
		return nil, fmt.Errorf("load filter senders: %w", err)
	}

	var allow, deny []string
	for _, r := range rows {
		sender, err := a.codec.Open(r.SenderEnc)
		if err != nil {
			return nil, err
		}
		switch domain.ListKind(r.ListKind) {
		case domain.ListAllow:
			allow = append(allow, sender)
		case domain.ListDeny:
			deny = append(deny, sender)
		}
	}

	return domain.NewFilterSettings(accountID, crypto.Normalize(mailbox), enabled, allow, deny), nil
}

func (a *FilterAdapter) SetAllowListEnabled(ctx context.Context, s out.Session, accountID, mailbox string, enabled bool) error {
	_, err := s.ExecContext(ctx, s.Rebind(`
		INSERT INTO filter_settings (account_id, mailbox_hash, allow_list_enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, mailbox_hash) DO UPDATE SET
			allow_list_enabled = excluded.allow_list_enabled,
			updated_at = excluded.updated_at`),
		accountID, a.codec.Key(mailbox), enabled, a.now().Unix())
	if err != nil {
		return fmt.Errorf("set allow list enabled: %w", err)
	}
	return nil
}

func (a *FilterAdapter) AddSender(ctx context.Context, s out.Session, accountID, mailbox string, kind domain.ListKind, sender string) (bool, error) {
	if err := a.ensureSettings(ctx, s, accountID, mailbox); err != nil {
		return false, err
	}

	senderEnc, err := a.codec.Seal(sender)
	if err != nil {
		return false, err
	}
	res, err := s.ExecContext(ctx, s.Rebind(`
		INSERT INTO filter_senders (account_id, mailbox_hash, list_kind, sender_hash, sender_enc, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, mailbox_hash, list_kind, sender_hash) DO NOTHING`),
		accountID, a.codec.Key(mailbox), string(kind), a.codec.Key(sender), senderEnc, a.now().Unix())
	if err != nil {
		return false, fmt.Errorf("add %s sender: %w", kind, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *FilterAdapter) RemoveSender(ctx context.Context, s out.Session, accountID, mailbox string, kind domain.ListKind, sender string) (bool, error) {
	res, err := s.ExecContext(ctx, s.Rebind(`
		DELETE FROM filter_senders
		WHERE account_id = ? AND mailbox_hash = ? AND list_kind = ? AND sender_hash = ?`),
		accountID, a.codec.Key(mailbox), string(kind), a.codec.Key(sender))
	if err != nil {
		return false, fmt.Errorf("remove %s sender: %w", kind, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *FilterAdapter) DeleteForMailbox(ctx context.Context, s out.Session, accountID, mailbox string) error {
	key := a.codec.Key(mailbox)
	for _, q := range []string{
		`DELETE FROM filter_senders WHERE account_id = ? AND mailbox_hash = ?`,
		`DELETE FROM filter_settings WHERE account_id = ? AND mailbox_hash = ?`,
	} {
		if _, err := s.ExecContext(ctx, s.Rebind(q), accountID, key); err != nil {
			return fmt.Errorf("delete filters: %w", err)
		}
	}
	return nil
}

func (a *FilterAdapter) DeleteByAccount(ctx context.Context, s out.Session, accountID string) error {
	for _, q := range []string{
		`DELETE FROM filter_senders WHERE account_id = ?`,
		`DELETE FROM filter_settings WHERE account_id = ?`,
	} {
		if _, err := s.ExecContext(ctx, s.Rebind(q), accountID); err != nil {
			return fmt.Errorf("delete filters: %w", err)
		}
	}
	return nil
}

// ensureSettings creates the default settings row on first mutation.
func (a *FilterAdapter) ensureSettings(ctx context.Context, s out.Session, accountID, mailbox string) error {
	_, err := s.ExecContext(ctx, s.Rebind(`
		INSERT INTO filter_settings (account_id, mailbox_hash, allow_list_enabled, updated_at)
		VALUES (?, ?, FALSE, ?)
		ON CONFLICT (account_id, mailbox_hash) DO NOTHING`),
		accountID, a.codec.Key(mailbox), a.now().Unix())
	if err != nil {
		return fmt.Errorf("create filter settings: %w", err)
	}
	return nil
}
