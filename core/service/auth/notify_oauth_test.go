package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"notify_server/core/domain"
	"notify_server/pkg/apperr"
)

type oauthFixture struct {
	svc      *OAuthService
	creds    *fakeCreds
	accounts *fakeAccounts
	bindings *fakeBindings
	provider *fakeOAuth
	mail     *fakeMail
	watcher  *fakeWatcher
}

func newOAuthFixture() *oauthFixture {
	f := &oauthFixture{
		creds:    newFakeCreds(),
		accounts: newFakeAccounts(),
		bindings: &fakeBindings{},
		provider: &fakeOAuth{exchanged: &domain.CredentialRecord{
			AccessToken:  "access",
			RefreshToken: "refresh",
			Expiry:       time.Now().Add(time.Hour),
		}},
		mail:    &fakeMail{address: "Alice@Example.com"},
		watcher: &fakeWatcher{done: make(chan string, 1)},
	}
	f.svc = NewOAuthService(OAuthDeps{
		Tx:       &fakeTx{},
		Creds:    f.creds,
		Accounts: f.accounts,
		Bindings: f.bindings,
		OAuth:    f.provider,
		Mail:     f.mail,
	}, "state-secret", time.Second)
	f.svc.SetWatchRegistrar(f.watcher)
	f.svc.SetNonceStore(&fakeNonces{})
	return f
}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	return u.Query().Get("state")
}

func TestOAuthService_CallbackBindsMailbox(t *testing.T) {
	f := newOAuthFixture()
	ctx := context.Background()

	authURL, err := f.svc.AuthorizeURL(ctx, "acct-1")
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	state := stateFromURL(t, authURL)

	binding, err := f.svc.Callback(ctx, "code-1", state)
	if err != nil {
		t.Fatalf("Callback() error = %v", err)
	}
	if binding.Mailbox != "alice@example.com" || binding.AccountID != "acct-1" {
		t.Errorf("binding = %+v", binding)
	}

	rec := f.creds.records["alice@example.com"]
	if rec == nil || rec.AccountID != "acct-1" || !rec.Valid {
		t.Fatalf("stored credential = %+v", rec)
	}
	if len(f.bindings.bound) != 1 {
		t.Errorf("bindings = %d, want 1", len(f.bindings.bound))
	}
	if _, ok := f.accounts.accounts["acct-1"]; !ok {
		t.Error("account should be created on first callback")
	}

	select {
	case mailbox := <-f.watcher.done:
		if mailbox != "alice@example.com" {
			t.Errorf("watch registered for %q", mailbox)
		}
	case <-time.After(time.Second):
		t.Fatal("watch was not registered")
	}

	// states are single use
	if _, err := f.svc.Callback(ctx, "code-1", state); apperr.AsAppError(err).Code != apperr.CodeInvalidState {
		t.Errorf("replayed state error = %v, want invalid state", err)
	}
}

func TestOAuthService_CallbackRejections(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *oauthFixture) string
		wantCode string
	}{
		{
			name:     "garbage state",
			setup:    func(f *oauthFixture) string { return "not-a-jwt" },
			wantCode: apperr.CodeInvalidState,
		},
		{
			name: "expired state",
			setup: func(f *oauthFixture) string {
				f.svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
				state, _ := f.svc.issueState("acct-1")
				f.svc.now = time.Now
				return state
			},
			wantCode: apperr.CodeInvalidState,
		},
		{
			name: "state signed with another secret",
			setup: func(f *oauthFixture) string {
				other := NewOAuthService(OAuthDeps{}, "other-secret", time.Second)
				state, _ := other.issueState("acct-1")
				return state
			},
			wantCode: apperr.CodeInvalidState,
		},
		{
			name: "exchange failure",
			setup: func(f *oauthFixture) string {
				f.provider.exchErr = errors.New("invalid_grant")
				state, _ := f.svc.issueState("acct-1")
				return state
			},
			wantCode: apperr.CodeOAuthFailed,
		},
		{
			name: "blacklisted account",
			setup: func(f *oauthFixture) string {
				f.accounts.accounts["acct-1"] = &domain.Account{ID: "acct-1", Blacklisted: true}
				state, _ := f.svc.issueState("acct-1")
				return state
			},
			wantCode: apperr.CodeAccountBlacklisted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOAuthFixture()
			state := tt.setup(f)

			_, err := f.svc.Callback(context.Background(), "code", state)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.AsAppError(err).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q (err %v)", got, tt.wantCode, err)
			}
			if len(f.creds.records) != 0 {
				t.Error("no credential should be stored")
			}
		})
	}
}

func TestOAuthService_AuthorizeURL(t *testing.T) {
	f := newOAuthFixture()
	ctx := context.Background()

	if _, err := f.svc.AuthorizeURL(ctx, ""); apperr.AsAppError(err).Code != apperr.CodeMissingRecipient {
		t.Errorf("empty account error = %v", err)
	}

	f.accounts.accounts["banned"] = &domain.Account{ID: "banned", Blacklisted: true}
	if _, err := f.svc.AuthorizeURL(ctx, "banned"); apperr.AsAppError(err).Code != apperr.CodeAccountBlacklisted {
		t.Errorf("blacklisted account error = %v", err)
	}

	u, err := f.svc.AuthorizeURL(ctx, "acct-2")
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	if strings.Count(stateFromURL(t, u), ".") != 2 {
		t.Errorf("state should be a compact JWT: %q", u)
	}
}
