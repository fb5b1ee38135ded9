package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/logger"
)

// WatchAdapter implements out.WatchRepository.
type WatchAdapter struct {
	codec *Codec
}

func NewWatchAdapter(codec *Codec) *WatchAdapter {
	return &WatchAdapter{codec: codec}
}

var _ out.WatchRepository = (*WatchAdapter)(nil)

type watchRow struct {
	MailboxEnc string `db:"mailbox_enc"`
	HistoryID  int64  `db:"history_id"`
	ExpiresAt  int64  `db:"expires_at"`
	RenewedAt  int64  `db:"renewed_at"`
	LastError  string `db:"last_error"`
}

func (a *WatchAdapter) Upsert(ctx context.Context, s out.Session, w *domain.WatchRegistration) error {
	mailboxEnc, err := a.codec.Seal(w.Mailbox)
	if err != nil {
		return err
	}
	_, err = s.ExecContext(ctx, s.Rebind(`
		INSERT INTO watch_registrations (mailbox_hash, mailbox_enc, history_id, expires_at, renewed_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (mailbox_hash) DO UPDATE SET
			mailbox_enc = excluded.mailbox_enc,
			history_id = excluded.history_id,
			expires_at = excluded.expires_at,
			renewed_at = excluded.renewed_at,
			last_error = excluded.last_error`),
		a.codec.Key(w.Mailbox), mailboxEnc, int64(w.HistoryID), unix(w.ExpiresAt), unix(w.RenewedAt), w.LastError)
	if err != nil {
		return fmt.Errorf("upsert watch registration: %w", err)
	}
	return nil
}

// RecordFailure keeps the last successful registration and notes the error.
func (a *WatchAdapter) RecordFailure(ctx context.Context, s out.Session, mailbox, message string, at time.Time) error {
	mailboxEnc, err := a.codec.Seal(mailbox)
	if err != nil {
		return err
	}
	_, err = s.ExecContext(ctx, s.Rebind(`
		INSERT INTO watch_registrations (mailbox_hash, mailbox_enc, history_id, expires_at, renewed_at, last_error)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT (mailbox_hash) DO UPDATE SET last_error = excluded.last_error`),
		a.codec.Key(mailbox), mailboxEnc, at.Unix(), message)
	if err != nil {
		return fmt.Errorf("record watch failure: %w", err)
	}
	return nil
}

func (a *WatchAdapter) List(ctx context.Context, s out.Session) ([]*domain.WatchRegistration, error) {
	var rows []watchRow
	err := sqlx.SelectContext(ctx, s, &rows, `
		SELECT mailbox_enc, history_id, expires_at, renewed_at, last_error
		FROM watch_registrations
		ORDER BY expires_at, mailbox_hash`)
	if err != nil {
		return nil, fmt.Errorf("list watch registrations: %w", err)
	}

	regs := make([]*domain.WatchRegistration, 0, len(rows))
	for _, r := range rows {
		mailbox, err := a.codec.Open(r.MailboxEnc)
		if err != nil {
			logger.WithError(err).Error("skipping undecryptable watch registration")
			continue
		}
		regs = append(regs, &domain.WatchRegistration{
			Mailbox:   mailbox,
			HistoryID: uint64(r.HistoryID),
			ExpiresAt: fromUnix(r.ExpiresAt),
			RenewedAt: fromUnix(r.RenewedAt),
			LastError: r.LastError,
		})
	}
	return regs, nil
}

func (a *WatchAdapter) Delete(ctx context.Context, s out.Session, mailbox string) error {
	if _, err := s.ExecContext(ctx, s.Rebind(`DELETE FROM watch_registrations WHERE mailbox_hash = ?`), a.codec.Key(mailbox)); err != nil {
		return fmt.Errorf("delete watch registration: %w", err)
	}
	return nil
}
