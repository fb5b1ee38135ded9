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

// AccountAdapter implements out.AccountRepository.
type AccountAdapter struct {
	now func() time.Time
}

func NewAccountAdapter() *AccountAdapter {
	return &AccountAdapter{now: time.Now}
}

var _ out.AccountRepository = (*AccountAdapter)(nil)

type accountRow struct {
	AccountID   string `db:"account_id"`
	Blacklisted bool   `db:"blacklisted"`
	CreatedAt   int64  `db:"created_at"`
}

func (a *AccountAdapter) Ensure(ctx context.Context, s out.Session, accountID string) (*domain.Account, error) {
	_, err := s.ExecContext(ctx, s.Rebind(`
		INSERT INTO accounts (account_id, blacklisted, created_at)
		VALUES (?, FALSE, ?)
		ON CONFLICT (account_id) DO NOTHING`), accountID, a.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	acc, err := a.Get(ctx, s, accountID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("ensure account: %w", ErrNotFound)
	}
	return acc, nil
}

func (a *AccountAdapter) Get(ctx context.Context, s out.Session, accountID string) (*domain.Account, error) {
	var row accountRow
	err := sqlx.GetContext(ctx, s, &row, s.Rebind(`
		SELECT account_id, blacklisted, created_at FROM accounts WHERE account_id = ?`), accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &domain.Account{
		ID:          row.AccountID,
		Blacklisted: row.Blacklisted,
		CreatedAt:   fromUnix(row.CreatedAt),
	}, nil
}

func (a *AccountAdapter) SetBlacklisted(ctx context.Context, s out.Session, accountID string, blacklisted bool) (bool, error) {
	res, err := s.ExecContext(ctx, s.Rebind(`UPDATE accounts SET blacklisted = ? WHERE account_id = ?`), blacklisted, accountID)
	if err != nil {
		return false, fmt.Errorf("set blacklisted: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (a *AccountAdapter) Delete(ctx context.Context, s out.Session, accountID string) (bool, error) {
	res, err := s.ExecContext(ctx, s.Rebind(`DELETE FROM accounts WHERE account_id = ?`), accountID)
	if err != nil {
		return false, fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
