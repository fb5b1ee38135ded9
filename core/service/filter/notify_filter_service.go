package filter

import (
	"context"
	"errors"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/apperr"
	"notify_server/pkg/logger"
)

// Service manages per-recipient sender rules and evaluates them for the
// notification pipeline. Every read returns an immutable snapshot.
type Service struct {
	tx       out.TxRunner
	filters  out.FilterRepository
	bindings out.BindingRepository
}

func NewService(tx out.TxRunner, filters out.FilterRepository, bindings out.BindingRepository) *Service {
	return &Service{tx: tx, filters: filters, bindings: bindings}
}

// ShouldNotify evaluates the recipient's current rules against the sender of
// msg. Rules are read once so a concurrent edit applies wholly or not at all.
func (s *Service) ShouldNotify(ctx context.Context, accountID, mailbox string, msg *domain.Message) (bool, error) {
	settings, err := s.filters.Load(ctx, s.tx.Session(), accountID, mailbox)
	if err != nil {
		return false, err
	}
	return settings.ShouldNotify(msg.Sender()), nil
}

// Settings returns the current snapshot for a bound mailbox.
func (s *Service) Settings(ctx context.Context, accountID, mailbox string) (*domain.FilterSettings, error) {
	mailbox, err := s.checkTarget(ctx, s.tx.Session(), accountID, mailbox)
	if err != nil {
		return nil, err
	}
	return s.filters.Load(ctx, s.tx.Session(), accountID, mailbox)
}

func (s *Service) AddAllowed(ctx context.Context, accountID, mailbox, sender string) (bool, error) {
	return s.mutate(ctx, accountID, mailbox, sender, domain.ListAllow, true)
}

func (s *Service) RemoveAllowed(ctx context.Context, accountID, mailbox, sender string) (bool, error) {
	return s.mutate(ctx, accountID, mailbox, sender, domain.ListAllow, false)
}

func (s *Service) AddDenied(ctx context.Context, accountID, mailbox, sender string) (bool, error) {
	return s.mutate(ctx, accountID, mailbox, sender, domain.ListDeny, true)
}

func (s *Service) RemoveDenied(ctx context.Context, accountID, mailbox, sender string) (bool, error) {
	return s.mutate(ctx, accountID, mailbox, sender, domain.ListDeny, false)
}

// SetAllowListEnabled toggles allow-list mode and returns the new snapshot.
func (s *Service) SetAllowListEnabled(ctx context.Context, accountID, mailbox string, enabled bool) (*domain.FilterSettings, error) {
	var settings *domain.FilterSettings
	err := s.tx.InTx(ctx, func(sess out.Session) error {
		normalized, err := s.checkTarget(ctx, sess, accountID, mailbox)
		if err != nil {
			return err
		}
		if err := s.filters.SetAllowListEnabled(ctx, sess, accountID, normalized, enabled); err != nil {
			return err
		}
		settings, err = s.filters.Load(ctx, sess, accountID, normalized)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.WithContext(ctx).
		WithFields(map[string]any{"account_id": accountID, "enabled": enabled}).
		Info("[FilterService] allow list toggled")
	return settings, nil
}

func (s *Service) mutate(ctx context.Context, accountID, mailbox, sender string, kind domain.ListKind, add bool) (bool, error) {
	addr, err := domain.NormalizeAddress(sender)
	if err != nil {
		return false, apperr.InvalidEmailAddress(sender)
	}

	var changed bool
	err = s.tx.InTx(ctx, func(sess out.Session) error {
		normalized, err := s.checkTarget(ctx, sess, accountID, mailbox)
		if err != nil {
			return err
		}
		if add {
			changed, err = s.filters.AddSender(ctx, sess, accountID, normalized, kind, addr)
		} else {
			changed, err = s.filters.RemoveSender(ctx, sess, accountID, normalized, kind, addr)
		}
		return err
	})
	return changed, err
}

// checkTarget validates the account and mailbox and that the two are bound.
func (s *Service) checkTarget(ctx context.Context, sess out.Session, accountID, mailbox string) (string, error) {
	if accountID == "" {
		return "", apperr.MissingField("account_id")
	}
	normalized, err := domain.NormalizeAddress(mailbox)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) && mailbox == "" {
			return "", apperr.MissingField("mailbox")
		}
		return "", apperr.InvalidEmailAddress(mailbox)
	}
	bound, err := s.bindings.Bound(ctx, sess, accountID, normalized, domain.ProviderGmail)
	if err != nil {
		return "", err
	}
	if !bound {
		return "", apperr.UnknownMailbox()
	}
	return normalized, nil
}
