package account

import (
	"context"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/apperr"
	"notify_server/pkg/logger"
)

type Deps struct {
	Tx       out.TxRunner
	Accounts out.AccountRepository
	Bindings out.BindingRepository
	Filters  out.FilterRepository
	Creds    out.CredentialRepository
	Ledger   out.LedgerRepository
	Watches  out.WatchRepository
}

// Service owns the lifecycle of recipient accounts and their bindings.
type Service struct {
	Deps
}

func NewService(deps Deps) *Service {
	return &Service{Deps: deps}
}

// DeletionReport tells the caller what an account deletion removed.
type DeletionReport struct {
	AccountID   string `json:"account_id"`
	Bindings    int64  `json:"bindings"`
	Credentials int64  `json:"credentials"`
	Rehomed     int64  `json:"rehomed"`
}

// Delete removes the account with its bindings and filter rules. A credential
// it owns passes to another non-blacklisted account still bound to the
// mailbox; otherwise it is deleted with its ledger and watch record. This is
// the only path that physically deletes credentials.
func (s *Service) Delete(ctx context.Context, accountID string) (*DeletionReport, error) {
	if accountID == "" {
		return nil, apperr.MissingField("account_id")
	}

	report := &DeletionReport{AccountID: accountID}
	var existed bool
	err := s.Tx.InTx(ctx, func(sess out.Session) error {
		owned, err := s.Creds.ListByOwner(ctx, sess, accountID)
		if err != nil {
			return err
		}
		for _, rec := range owned {
			heir, err := s.heir(ctx, sess, rec.Mailbox, accountID)
			if err != nil {
				return err
			}
			if heir != "" {
				if _, err := s.Creds.SetOwner(ctx, sess, rec.Mailbox, heir); err != nil {
					return err
				}
				report.Rehomed++
				continue
			}
			if err := s.Ledger.Purge(ctx, sess, rec.Mailbox); err != nil {
				return err
			}
			if err := s.Watches.Delete(ctx, sess, rec.Mailbox); err != nil {
				return err
			}
		}
		if report.Credentials, err = s.Creds.DeleteByOwner(ctx, sess, accountID); err != nil {
			return err
		}
		if report.Bindings, err = s.Bindings.DeleteByAccount(ctx, sess, accountID); err != nil {
			return err
		}
		if err := s.Filters.DeleteByAccount(ctx, sess, accountID); err != nil {
			return err
		}
		existed, err = s.Accounts.Delete(ctx, sess, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !existed && report.Bindings == 0 && report.Credentials == 0 && report.Rehomed == 0 {
		return nil, apperr.NotFound("account")
	}

	logger.WithContext(ctx).
		WithFields(map[string]any{"account_id": accountID, "bindings": report.Bindings, "credentials": report.Credentials, "rehomed": report.Rehomed}).
		Info("[AccountService] account deleted")
	return report, nil
}

// heir picks the account that inherits mailbox when accountID goes away, or
// "" when no other active account is bound to it.
func (s *Service) heir(ctx context.Context, sess out.Session, mailbox, accountID string) (string, error) {
	recipients, err := s.Bindings.Recipients(ctx, sess, mailbox, domain.ProviderGmail)
	if err != nil {
		return "", err
	}
	for _, id := range recipients {
		if id != accountID {
			return id, nil
		}
	}
	return "", nil
}

// SetBlacklisted bans or unbans an account. Unknown accounts are created so
// a ban can precede the first authorization.
func (s *Service) SetBlacklisted(ctx context.Context, accountID string, blacklisted bool) (*domain.Account, error) {
	if accountID == "" {
		return nil, apperr.MissingField("account_id")
	}
	var acct *domain.Account
	err := s.Tx.InTx(ctx, func(sess out.Session) error {
		if _, err := s.Accounts.Ensure(ctx, sess, accountID); err != nil {
			return err
		}
		if _, err := s.Accounts.SetBlacklisted(ctx, sess, accountID, blacklisted); err != nil {
			return err
		}
		var err error
		acct, err = s.Accounts.Get(ctx, sess, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.WithContext(ctx).WithFields(map[string]any{"account_id": accountID, "blacklisted": blacklisted}).
		Warn("[AccountService] blacklist flag changed")
	return acct, nil
}

func (s *Service) ListBindings(ctx context.Context, accountID string) ([]*domain.MailboxBinding, error) {
	if accountID == "" {
		return nil, apperr.MissingField("account_id")
	}
	return s.Bindings.ListByAccount(ctx, s.Tx.Session(), accountID)
}

// Unbind stops notifications of mailbox to accountID and drops that
// recipient's rules for it. The credential stays.
func (s *Service) Unbind(ctx context.Context, accountID, mailbox string) error {
	if accountID == "" {
		return apperr.MissingField("account_id")
	}
	normalized, err := domain.NormalizeAddress(mailbox)
	if err != nil {
		return apperr.InvalidEmailAddress(mailbox)
	}
	return s.Tx.InTx(ctx, func(sess out.Session) error {
		removed, err := s.Bindings.Unbind(ctx, sess, accountID, normalized, domain.ProviderGmail)
		if err != nil {
			return err
		}
		if !removed {
			return apperr.UnknownMailbox()
		}
		return s.Filters.DeleteForMailbox(ctx, sess, accountID, normalized)
	})
}
