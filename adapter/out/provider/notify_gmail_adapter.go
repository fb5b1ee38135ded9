// Package provider implements the Gmail and Google OAuth adapters.
package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/resilience"
)

const providerGmail = "gmail"

// metadataHeaders are the only headers a summary needs.
var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID"}

// GmailAdapter implements out.MailProvider against the Gmail REST API.
// Tokens come from the credential record as-is; refreshing is the
// refresher's job, so the client never refreshes behind its back.
type GmailAdapter struct {
	httpClient *http.Client
	endpoint   string
	cb         *resilience.Breaker
}

type GmailConfig struct {
	HTTPClient *http.Client
	// Endpoint overrides the API base URL. Empty means production.
	Endpoint string
}

func NewGmailAdapter(cfg GmailConfig) *GmailAdapter {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	bc := resilience.DefaultBreakerConfig("gmail-api")
	bc.Tolerate = isClientError
	return &GmailAdapter{
		httpClient: client,
		endpoint:   cfg.Endpoint,
		cb:         resilience.NewBreaker(bc),
	}
}

func (a *GmailAdapter) service(ctx context.Context, rec *domain.CredentialRecord) (*gmail.Service, error) {
	if rec == nil || rec.AccessToken == "" {
		return nil, out.NewProviderError(providerGmail, out.ProviderErrAuth, "missing access token", nil, false)
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: rec.AccessToken,
		TokenType:   rec.TokenType,
		Expiry:      rec.Expiry,
	})
	base := context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(base, src))}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

// MailboxAddress returns the address the credential belongs to.
func (a *GmailAdapter) MailboxAddress(ctx context.Context, rec *domain.CredentialRecord) (string, error) {
	svc, err := a.service(ctx, rec)
	if err != nil {
		return "", err
	}
	var profile *gmail.Profile
	err = a.cb.Execute(func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", wrapError(err, "failed to get profile")
	}
	return profile.EmailAddress, nil
}

// ListRecentMessageIDs returns up to count message ids, newest first.
func (a *GmailAdapter) ListRecentMessageIDs(ctx context.Context, rec *domain.CredentialRecord, count int) ([]string, error) {
	if count <= 0 {
		count = 1
	}
	svc, err := a.service(ctx, rec)
	if err != nil {
		return nil, err
	}
	var resp *gmail.ListMessagesResponse
	err = a.cb.Execute(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Messages.List("me").MaxResults(int64(count)).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to list messages")
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// FetchMessage loads labels, snippet and the summary headers of one message.
func (a *GmailAdapter) FetchMessage(ctx context.Context, rec *domain.CredentialRecord, id string) (*domain.Message, error) {
	svc, err := a.service(ctx, rec)
	if err != nil {
		return nil, err
	}
	var msg *gmail.Message
	err = a.cb.Execute(func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to get message")
	}
	return convertMessage(msg), nil
}

// Watch subscribes the mailbox's inbox to topic.
func (a *GmailAdapter) Watch(ctx context.Context, rec *domain.CredentialRecord, topic string) (*out.WatchResult, error) {
	svc, err := a.service(ctx, rec)
	if err != nil {
		return nil, err
	}
	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}
	var resp *gmail.WatchResponse
	err = a.cb.Execute(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to setup watch")
	}
	return &out.WatchResult{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

func convertMessage(msg *gmail.Message) *domain.Message {
	m := &domain.Message{
		ID:        msg.Id,
		ThreadID:  msg.ThreadId,
		LabelIDs:  msg.LabelIds,
		Headers:   make(map[string]string),
		Snippet:   msg.Snippet,
		HistoryID: msg.HistoryId,
	}
	if msg.InternalDate > 0 {
		m.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			key := strings.ToLower(h.Name)
			if _, ok := m.Headers[key]; !ok {
				m.Headers[key] = h.Value
			}
		}
	}
	return m
}

func isClientError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
	}
	return false
}

func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return out.NewProviderError(providerGmail, out.ProviderErrServer, "Gmail API unavailable", err, true)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return out.NewProviderError(providerGmail, out.ProviderErrNetwork, defaultMsg, err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return out.NewProviderError(providerGmail, out.ProviderErrAuth, "Token rejected", err, false)
		case http.StatusForbidden:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError(providerGmail, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(providerGmail, out.ProviderErrAuth, "Access denied", err, false)
		case http.StatusNotFound:
			return out.NewProviderError(providerGmail, out.ProviderErrNotFound, "Not found", err, false)
		case http.StatusBadRequest:
			return out.NewProviderError(providerGmail, out.ProviderErrInvalidInput, apiErr.Message, err, false)
		case http.StatusTooManyRequests:
			return out.NewProviderError(providerGmail, out.ProviderErrRateLimit, "Too many requests", err, true)
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return out.NewProviderError(providerGmail, out.ProviderErrServer, "Server error", err, true)
		}
	}
	return out.NewProviderError(providerGmail, out.ProviderErrNetwork, defaultMsg, err, true)
}

var _ out.MailProvider = (*GmailAdapter)(nil)
