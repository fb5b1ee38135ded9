package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/logger"
)

// CredentialAdapter implements out.CredentialRepository.
type CredentialAdapter struct {
	codec *Codec
	now   func() time.Time
}

func NewCredentialAdapter(codec *Codec) *CredentialAdapter {
	return &CredentialAdapter{codec: codec, now: time.Now}
}

var _ out.CredentialRepository = (*CredentialAdapter)(nil)

type credentialRow struct {
	MailboxHash string `db:"mailbox_hash"`
	MailboxEnc  string `db:"mailbox_enc"`
	TokenEnc    string `db:"token_enc"`
	AccountID   string `db:"account_id"`
	Valid       bool   `db:"valid"`
	UpdatedAt   int64  `db:"updated_at"`
}

// tokenBlob is the encrypted JSON payload of a credential.
type tokenBlob struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

const credentialColumns = `mailbox_hash, mailbox_enc, token_enc, account_id, valid, updated_at`

func (a *CredentialAdapter) Save(ctx context.Context, s out.Session, rec *domain.CredentialRecord) error {
	if rec == nil || rec.Mailbox == "" {
		return errors.New("credential without mailbox")
	}

	mailboxEnc, err := a.codec.Seal(rec.Mailbox)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(tokenBlob{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		IDToken:      rec.IDToken,
		TokenType:    rec.TokenType,
		Expiry:       rec.Expiry,
		Scopes:       rec.Scopes,
	})
	if err != nil {
		return fmt.Errorf("encode token payload: %w", err)
	}
	tokenEnc, err := a.codec.SealBytes(payload)
	if err != nil {
		return err
	}

	query := s.Rebind(`
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, TRUE, ?)
		ON CONFLICT (mailbox_hash) DO UPDATE SET
			mailbox_enc = excluded.mailbox_enc,
			token_enc = excluded.token_enc,
			account_id = excluded.account_id,
			valid = TRUE,
			updated_at = excluded.updated_at`)

	now := a.now()
	if _, err := s.ExecContext(ctx, query, a.codec.Key(rec.Mailbox), mailboxEnc, tokenEnc, rec.AccountID, now.Unix()); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	rec.Valid = true
	rec.UpdatedAt = now.UTC().Truncate(time.Second)
	return nil
}

func (a *CredentialAdapter) Load(ctx context.Context, s out.Session, mailbox string) (*domain.CredentialRecord, error) {
	var row credentialRow
	query := s.Rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE mailbox_hash = ?`)
	if err := sqlx.GetContext(ctx, s, &row, query, a.codec.Key(mailbox)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return a.decode(&row)
}

func (a *CredentialAdapter) SetValidity(ctx context.Context, s out.Session, mailbox string, valid bool) (bool, error) {
	query := s.Rebind(`UPDATE credentials SET valid = ?, updated_at = ? WHERE mailbox_hash = ?`)
	res, err := s.ExecContext(ctx, query, valid, a.now().Unix(), a.codec.Key(mailbox))
	if err != nil {
		return false, fmt.Errorf("set credential validity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *CredentialAdapter) LoadAllValid(ctx context.Context, s out.Session) ([]*domain.CredentialRecord, error) {
	return a.list(ctx, s, `SELECT `+credentialColumns+` FROM credentials WHERE valid = TRUE ORDER BY mailbox_hash`)
}

func (a *CredentialAdapter) ListByOwner(ctx context.Context, s out.Session, accountID string) ([]*domain.CredentialRecord, error) {
	return a.list(ctx, s, `SELECT `+credentialColumns+` FROM credentials WHERE account_id = ? ORDER BY mailbox_hash`, accountID)
}

func (a *CredentialAdapter) SetOwner(ctx context.Context, s out.Session, mailbox, accountID string) (bool, error) {
	query := s.Rebind(`UPDATE credentials SET account_id = ?, updated_at = ? WHERE mailbox_hash = ?`)
	res, err := s.ExecContext(ctx, query, accountID, a.now().Unix(), a.codec.Key(mailbox))
	if err != nil {
		return false, fmt.Errorf("set credential owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *CredentialAdapter) DeleteByOwner(ctx context.Context, s out.Session, accountID string) (int64, error) {
	res, err := s.ExecContext(ctx, s.Rebind(`DELETE FROM credentials WHERE account_id = ?`), accountID)
	if err != nil {
		return 0, fmt.Errorf("delete credentials: %w", err)
	}
	return res.RowsAffected()
}

func (a *CredentialAdapter) list(ctx context.Context, s out.Session, query string, args ...any) ([]*domain.CredentialRecord, error) {
	var rows []credentialRow
	if err := sqlx.SelectContext(ctx, s, &rows, s.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	recs := make([]*domain.CredentialRecord, 0, len(rows))
	for i := range rows {
		rec, err := a.decode(&rows[i])
		if err != nil {
			// one unreadable row must not hide the others
			logger.WithError(err).WithField("mailbox_hash", rows[i].MailboxHash[:12]).Error("skipping undecryptable credential")
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (a *CredentialAdapter) decode(row *credentialRow) (*domain.CredentialRecord, error) {
	mailbox, err := a.codec.Open(row.MailboxEnc)
	if err != nil {
		return nil, err
	}
	payload, err := a.codec.OpenBytes(row.TokenEnc)
	if err != nil {
		return nil, err
	}
	var blob tokenBlob
	if err := json.Unmarshal(payload, &blob); err != nil {
		return nil, fmt.Errorf("%w: token payload: %v", ErrCorrupt, err)
	}

	return &domain.CredentialRecord{
		Mailbox:      mailbox,
		AccountID:    row.AccountID,
		AccessToken:  blob.AccessToken,
		RefreshToken: blob.RefreshToken,
		IDToken:      blob.IDToken,
		TokenType:    blob.TokenType,
		Expiry:       blob.Expiry,
		Scopes:       blob.Scopes,
		Valid:        row.Valid,
		UpdatedAt:    fromUnix(row.UpdatedAt),
	}, nil
}
