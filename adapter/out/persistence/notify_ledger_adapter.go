package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"notify_server/core/port/out"
)

// DefaultLedgerCapacity is how many ids are remembered per mailbox.
const DefaultLedgerCapacity = 200

// LedgerAdapter implements out.LedgerRepository as a bounded set of seen ids
// per mailbox. seen_at holds unix nanoseconds so insertion order survives
// bursts within one second.
type LedgerAdapter struct {
	codec    *Codec
	capacity int
}

func NewLedgerAdapter(codec *Codec, capacity int) *LedgerAdapter {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &LedgerAdapter{codec: codec, capacity: capacity}
}

var _ out.LedgerRepository = (*LedgerAdapter)(nil)

func (a *LedgerAdapter) Contains(ctx context.Context, s out.Session, mailbox, messageID string) (bool, error) {
	var n int
	query := s.Rebind(`SELECT COUNT(*) FROM seen_messages WHERE mailbox_hash = ? AND message_id = ?`)
	if err := sqlx.GetContext(ctx, s, &n, query, a.codec.Key(mailbox), messageID); err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	return n > 0, nil
}

func (a *LedgerAdapter) Record(ctx context.Context, s out.Session, mailbox, messageID string, at time.Time) (bool, error) {
	key := a.codec.Key(mailbox)

	res, err := s.ExecContext(ctx, s.Rebind(`
		INSERT INTO seen_messages (mailbox_hash, message_id, seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT (mailbox_hash, message_id) DO NOTHING`),
		key, messageID, at.UnixNano())
	if err != nil {
		return false, fmt.Errorf("record seen message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	_, err = s.ExecContext(ctx, s.Rebind(`
		DELETE FROM seen_messages
		WHERE mailbox_hash = ? AND message_id NOT IN (
			SELECT message_id FROM seen_messages
			WHERE mailbox_hash = ?
			ORDER BY seen_at DESC, message_id DESC
			LIMIT ?
		)`), key, key, a.capacity)
	if err != nil {
		return false, fmt.Errorf("prune ledger: %w", err)
	}
	return true, nil
}

func (a *LedgerAdapter) Latest(ctx context.Context, s out.Session, mailbox string) (string, error) {
	var id string
	query := s.Rebind(`
		SELECT message_id FROM seen_messages
		WHERE mailbox_hash = ?
		ORDER BY seen_at DESC, message_id DESC
		LIMIT 1`)
	if err := sqlx.GetContext(ctx, s, &id, query, a.codec.Key(mailbox)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest seen message: %w", err)
	}
	return id, nil
}

func (a *LedgerAdapter) Purge(ctx context.Context, s out.Session, mailbox string) error {
	if _, err := s.ExecContext(ctx, s.Rebind(`DELETE FROM seen_messages WHERE mailbox_hash = ?`), a.codec.Key(mailbox)); err != nil {
		return fmt.Errorf("purge ledger: %w", err)
	}
	return nil
}
