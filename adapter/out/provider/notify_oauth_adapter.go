package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"notify_server/core/domain"
	"notify_server/core/port/out"
)

const providerGoogle = "google"

// Scopes requested at consent. Read-only mail plus the address.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	"https://www.googleapis.com/auth/userinfo.email",
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client
	// Endpoint overrides Google's endpoints, for tests.
	Endpoint *oauth2.Endpoint
}

// OAuthAdapter implements out.OAuthProvider with Google's OAuth2 endpoints.
type OAuthAdapter struct {
	config     *oauth2.Config
	httpClient *http.Client
}

func NewOAuthAdapter(cfg OAuthConfig) *OAuthAdapter {
	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	return &OAuthAdapter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint:     endpoint,
		},
		httpClient: cfg.HTTPClient,
	}
}

// AuthURL asks for offline access and forces the consent screen so a refresh
// token is always issued.
func (a *OAuthAdapter) AuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (a *OAuthAdapter) Exchange(ctx context.Context, code string) (*domain.CredentialRecord, error) {
	token, err := a.config.Exchange(a.clientContext(ctx), code)
	if err != nil {
		return nil, wrapTokenError(err, "failed to exchange token")
	}
	return fromToken(token, nil), nil
}

// Refresh always hits the token endpoint; the stored access token is left
// out so the token source cannot decide it is still good.
func (a *OAuthAdapter) Refresh(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error) {
	if rec == nil || rec.RefreshToken == "" {
		return nil, out.NewProviderError(providerGoogle, out.ProviderErrInvalidGrant, "no refresh token", nil, false)
	}
	src := a.config.TokenSource(a.clientContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, wrapTokenError(err, "failed to refresh token")
	}
	return fromToken(token, rec), nil
}

func (a *OAuthAdapter) clientContext(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// fromToken copies token into a record. Identity fields come from prev.
func fromToken(token *oauth2.Token, prev *domain.CredentialRecord) *domain.CredentialRecord {
	rec := &domain.CredentialRecord{Valid: true}
	if prev != nil {
		rec = prev.Clone()
	}
	rec.AccessToken = token.AccessToken
	rec.TokenType = token.TokenType
	rec.Expiry = token.Expiry
	if token.RefreshToken != "" {
		rec.RefreshToken = token.RefreshToken
	}
	if id, ok := token.Extra("id_token").(string); ok && id != "" {
		rec.IDToken = id
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		rec.Scopes = strings.Fields(scope)
	}
	return rec
}

func wrapTokenError(err error, defaultMsg string) error {
	if isRevoked(err) {
		return out.NewProviderError(providerGoogle, out.ProviderErrInvalidGrant, "Grant revoked or expired", err, false)
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return out.NewProviderError(providerGoogle, out.ProviderErrRateLimit, "Too many requests", err, true)
		case code >= 500:
			return out.NewProviderError(providerGoogle, out.ProviderErrServer, "Server error", err, true)
		case code >= 400:
			return out.NewProviderError(providerGoogle, out.ProviderErrAuth, defaultMsg, err, false)
		}
	}
	return out.NewProviderError(providerGoogle, out.ProviderErrNetwork, defaultMsg, err, true)
}

func isRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
		if strings.Contains(string(re.Body), "invalid_grant") {
			return true
		}
	}
	return strings.Contains(err.Error(), "Token has been expired or revoked")
}

var _ out.OAuthProvider = (*OAuthAdapter)(nil)
