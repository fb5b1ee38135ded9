package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/apperr"
	"notify_server/pkg/httputil"
	"notify_server/pkg/logger"
)

const (
	StateTTL    = 10 * time.Minute
	stateIssuer = "notify-oauth"
)

// WatchRegistrar starts provider push delivery for a freshly bound mailbox.
type WatchRegistrar interface {
	Register(ctx context.Context, rec *domain.CredentialRecord) error
}

type stateClaims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// OAuthService runs the consent flow that creates credentials and bindings.
type OAuthService struct {
	tx       out.TxRunner
	creds    out.CredentialRepository
	accounts out.AccountRepository
	bindings out.BindingRepository
	oauth    out.OAuthProvider
	mail     out.MailProvider

	secret  []byte
	timeout time.Duration
	now     func() time.Time

	nonces  out.DeliveryDeduper
	watcher WatchRegistrar
}

type OAuthDeps struct {
	Tx       out.TxRunner
	Creds    out.CredentialRepository
	Accounts out.AccountRepository
	Bindings out.BindingRepository
	OAuth    out.OAuthProvider
	Mail     out.MailProvider
}

func NewOAuthService(deps OAuthDeps, stateSecret string, timeout time.Duration) *OAuthService {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &OAuthService{
		tx:       deps.Tx,
		creds:    deps.Creds,
		accounts: deps.Accounts,
		bindings: deps.Bindings,
		oauth:    deps.OAuth,
		mail:     deps.Mail,
		secret:   []byte(stateSecret),
		timeout:  timeout,
		now:      time.Now,
	}
}

// SetWatchRegistrar enables watch registration after a successful callback.
func (s *OAuthService) SetWatchRegistrar(w WatchRegistrar) {
	s.watcher = w
}

// SetNonceStore makes state tokens single use.
func (s *OAuthService) SetNonceStore(n out.DeliveryDeduper) {
	s.nonces = n
}

// AuthorizeURL returns the provider consent URL for accountID.
func (s *OAuthService) AuthorizeURL(ctx context.Context, accountID string) (string, error) {
	if accountID == "" {
		return "", apperr.MissingField("account_id")
	}
	acct, err := s.accounts.Get(ctx, s.tx.Session(), accountID)
	if err != nil {
		return "", err
	}
	if acct != nil && acct.Blacklisted {
		return "", apperr.Blacklisted()
	}

	state, err := s.issueState(accountID)
	if err != nil {
		return "", err
	}
	return s.oauth.AuthURL(state), nil
}

func (s *OAuthService) issueState(accountID string) (string, error) {
	now := s.now()
	claims := stateClaims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    stateIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(StateTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign oauth state: %w", err)
	}
	return signed, nil
}

func (s *OAuthService) verifyState(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", errors.New("missing state")
	}
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	if claims.AccountID == "" {
		return "", errors.New("state carries no account")
	}
	if s.nonces != nil {
		first, err := s.nonces.FirstDelivery(ctx, "oauth-state:"+claims.ID)
		if err != nil {
			return "", err
		}
		if !first {
			return "", errors.New("state already used")
		}
	}
	return claims.AccountID, nil
}

// Callback completes the consent flow: it exchanges code, stores the
// credential, binds the mailbox to the account carried in state, and
// registers the provider watch in the background.
func (s *OAuthService) Callback(ctx context.Context, code, state string) (*domain.MailboxBinding, error) {
	accountID, err := s.verifyState(ctx, state)
	if err != nil {
		return nil, apperr.InvalidState(err)
	}
	if code == "" {
		return nil, apperr.MissingField("code")
	}

	callCtx, cancel := httputil.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.oauth.Exchange(callCtx, code)
	if err != nil {
		return nil, apperr.OAuthFailed(string(domain.ProviderGmail), err)
	}
	addr, err := s.mail.MailboxAddress(callCtx, rec)
	if err != nil {
		return nil, apperr.OAuthFailed(string(domain.ProviderGmail), fmt.Errorf("read mailbox address: %w", err))
	}
	mailbox, err := domain.NormalizeAddress(addr)
	if err != nil {
		return nil, apperr.OAuthFailed(string(domain.ProviderGmail), err)
	}

	rec.Mailbox = mailbox
	rec.AccountID = accountID
	rec.Valid = true
	rec.UpdatedAt = s.now()
	binding := &domain.MailboxBinding{
		AccountID: accountID,
		Mailbox:   mailbox,
		Provider:  domain.ProviderGmail,
		CreatedAt: rec.UpdatedAt,
	}

	err = s.tx.InTx(ctx, func(sess out.Session) error {
		acct, err := s.accounts.Ensure(ctx, sess, accountID)
		if err != nil {
			return err
		}
		if acct.Blacklisted {
			return domain.ErrBlacklisted
		}
		if err := s.creds.Save(ctx, sess, rec); err != nil {
			return err
		}
		_, err = s.bindings.Bind(ctx, sess, binding)
		return err
	})
	if errors.Is(err, domain.ErrBlacklisted) {
		return nil, apperr.Blacklisted()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	logger.WithContext(ctx).
		WithFields(map[string]any{"account_id": accountID, "mailbox": logger.MaskEmail(mailbox)}).
		Info("[OAuthService.Callback] mailbox bound")

	if s.watcher != nil {
		go s.registerWatch(rec.Clone())
	}
	return binding, nil
}

func (s *OAuthService) registerWatch(rec *domain.CredentialRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.timeout)
	defer cancel()
	if err := s.watcher.Register(ctx, rec); err != nil {
		logger.WithError(err).
			WithField("mailbox", logger.MaskEmail(rec.Mailbox)).
			Warn("[OAuthService.Callback] failed to register watch")
	}
}
