package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/crypto"
	"notify_server/pkg/httputil"
	"notify_server/pkg/logger"
	"notify_server/pkg/metrics"
)

// DefaultProviderTimeout bounds every token endpoint call.
const DefaultProviderTimeout = 15 * time.Second

// Refresher keeps access tokens usable. Concurrent refreshes of the same
// mailbox collapse into one provider call.
type Refresher struct {
	tx      out.TxRunner
	creds   out.CredentialRepository
	oauth   out.OAuthProvider
	timeout time.Duration
	window  time.Duration
	metrics *metrics.Registry
	now     func() time.Time
	group   singleflight.Group
}

func NewRefresher(tx out.TxRunner, creds out.CredentialRepository, oauth out.OAuthProvider, timeout time.Duration) *Refresher {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Refresher{
		tx:      tx,
		creds:   creds,
		oauth:   oauth,
		timeout: timeout,
		window:  domain.RefreshWindow,
		now:     time.Now,
	}
}

func (r *Refresher) SetMetrics(m *metrics.Registry) {
	r.metrics = m
}

// RefreshIfNeeded returns rec untouched while its access token outlives the
// refresh window. Otherwise it asks the provider for a new token, persists a
// rotation before returning it, and marks the credential invalid when the
// provider rejects the refresh token.
func (r *Refresher) RefreshIfNeeded(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error) {
	if rec == nil {
		return nil, errors.New("refresh: nil credential")
	}
	if !rec.Valid {
		return nil, &domain.InvalidCredentialError{Mailbox: rec.Mailbox, Cause: errors.New("credential already marked invalid")}
	}
	if !rec.NeedsRefresh(r.now(), r.window) {
		return rec, nil
	}

	v, err, _ := r.group.Do(crypto.Normalize(rec.Mailbox), func() (any, error) {
		return r.refresh(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.CredentialRecord).Clone(), nil
}

func (r *Refresher) refresh(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error) {
	defer r.metrics.Since(metrics.OpRefresh, time.Now())
	log := logger.WithContext(ctx).WithField("mailbox", logger.MaskEmail(rec.Mailbox))

	callCtx, cancel := httputil.WithTimeout(ctx, r.timeout)
	defer cancel()

	next, err := r.oauth.Refresh(callCtx, rec.Clone())
	if err != nil {
		if isInvalidGrant(err) {
			r.invalidate(ctx, rec.Mailbox)
			r.metrics.Inc("credentials_invalidated")
			log.WithError(err).Warn("[Refresher] refresh token rejected, credential marked invalid")
			return nil, &domain.InvalidCredentialError{Mailbox: rec.Mailbox, Cause: err}
		}
		r.metrics.Inc("refresh_transient_errors")
		log.WithError(err).Warn("[Refresher] token refresh failed")
		return nil, &domain.TransientProviderError{Op: "refresh", Cause: err}
	}

	merged := rec.Clone()
	merged.AccessToken = next.AccessToken
	if next.RefreshToken != "" {
		merged.RefreshToken = next.RefreshToken
	}
	if next.IDToken != "" {
		merged.IDToken = next.IDToken
	}
	if next.TokenType != "" {
		merged.TokenType = next.TokenType
	}
	if len(next.Scopes) > 0 {
		merged.Scopes = next.Scopes
	}
	merged.Expiry = next.Expiry
	merged.Valid = true

	if !rec.Rotated(merged) {
		return merged, nil
	}

	merged.UpdatedAt = r.now()
	err = r.tx.InTx(ctx, func(s out.Session) error {
		return r.creds.Save(ctx, s, merged)
	})
	if err != nil {
		return nil, err
	}
	r.metrics.Inc("credentials_rotated")
	log.Debug("[Refresher] token rotated, expires %s", merged.Expiry.Format(time.RFC3339))
	return merged, nil
}

func (r *Refresher) invalidate(ctx context.Context, mailbox string) {
	err := r.tx.InTx(ctx, func(s out.Session) error {
		_, err := r.creds.SetValidity(ctx, s, mailbox, false)
		return err
	})
	if err != nil {
		logger.WithError(err).Error("[Refresher] failed to mark credential invalid")
	}
}

func isInvalidGrant(err error) bool {
	var perr *out.ProviderError
	if errors.As(err, &perr) {
		return perr.Code == out.ProviderErrInvalidGrant
	}
	return errors.Is(err, domain.ErrInvalidCredential)
}
