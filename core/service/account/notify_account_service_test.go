package account

import (
	"context"
	"testing"
	"time"

	"notify_server/adapter/out/persistence"
	"notify_server/core/domain"
	"notify_server/infra/database"
	"notify_server/pkg/apperr"
	"notify_server/pkg/crypto"
)

func newTestService(t *testing.T) (*Service, *database.DB) {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite::memory:", nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	enc, _ := crypto.NewEncryptor([]byte("account-test-key"))
	idx, _ := crypto.NewBlindIndex([]byte("account-test-index"))
	codec := persistence.NewCodec(enc, idx)

	return NewService(Deps{
		Tx:       db,
		Accounts: persistence.NewAccountAdapter(),
		Bindings: persistence.NewBindingAdapter(codec),
		Filters:  persistence.NewFilterAdapter(codec),
		Creds:    persistence.NewCredentialAdapter(codec),
		Ledger:   persistence.NewLedgerAdapter(codec, 200),
		Watches:  persistence.NewWatchAdapter(codec),
	}), db
}

func seed(t *testing.T, svc *Service, db *database.DB, accountID, mailbox string) {
	t.Helper()
	ctx := context.Background()
	s := db.Session()
	if _, err := svc.Accounts.Ensure(ctx, s, accountID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Creds.Save(ctx, s, &domain.CredentialRecord{Mailbox: mailbox, AccountID: accountID, AccessToken: "t"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Bindings.Bind(ctx, s, &domain.MailboxBinding{AccountID: accountID, Mailbox: mailbox, Provider: domain.ProviderGmail}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Filters.AddSender(ctx, s, accountID, mailbox, domain.ListDeny, "spam@ads.io"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ledger.Record(ctx, s, mailbox, "m1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Watches.Upsert(ctx, s, &domain.WatchRegistration{Mailbox: mailbox, HistoryID: 1, RenewedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func TestService_Delete(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	s := db.Session()
	seed(t, svc, db, "acct-1", "one@example.com")
	seed(t, svc, db, "acct-2", "two@example.com")

	report, err := svc.Delete(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if report.Bindings != 1 || report.Credentials != 1 {
		t.Errorf("report = %+v", report)
	}

	if rec, _ := svc.Creds.Load(ctx, s, "one@example.com"); rec != nil {
		t.Error("owned credential should be deleted")
	}
	if seen, _ := svc.Ledger.Contains(ctx, s, "one@example.com", "m1"); seen {
		t.Error("ledger of deleted credential should be purged")
	}
	if acct, _ := svc.Accounts.Get(ctx, s, "acct-1"); acct != nil {
		t.Error("account should be deleted")
	}
	settings, _ := svc.Filters.Load(ctx, s, "acct-1", "one@example.com")
	if len(settings.DenyList()) != 0 {
		t.Error("filter rows should be deleted")
	}

	if rec, _ := svc.Creds.Load(ctx, s, "two@example.com"); rec == nil {
		t.Error("other account's credential must survive")
	}
	regs, _ := svc.Watches.List(ctx, s)
	if len(regs) != 1 || regs[0].Mailbox != "two@example.com" {
		t.Errorf("watches = %+v", regs)
	}

	if _, err := svc.Delete(ctx, "acct-1"); apperr.AsAppError(err).Code != apperr.CodeNotFound {
		t.Errorf("second delete error = %v, want not_found", err)
	}
}

func TestService_DeleteRehomesSharedCredential(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	s := db.Session()
	seed(t, svc, db, "acct-1", "shared@example.com")
	// acct-2 authorizes the same mailbox later and becomes the owner.
	seed(t, svc, db, "acct-2", "shared@example.com")

	report, err := svc.Delete(ctx, "acct-2")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if report.Credentials != 0 || report.Rehomed != 1 {
		t.Errorf("report = %+v, want the credential rehomed", report)
	}

	rec, _ := svc.Creds.Load(ctx, s, "shared@example.com")
	if rec == nil || rec.AccountID != "acct-1" {
		t.Fatalf("credential = %+v, want owned by acct-1", rec)
	}
	if seen, _ := svc.Ledger.Contains(ctx, s, "shared@example.com", "m1"); !seen {
		t.Error("ledger of a rehomed credential must be kept")
	}
	regs, _ := svc.Watches.List(ctx, s)
	if len(regs) != 1 {
		t.Errorf("watches = %+v, want the shared mailbox kept", regs)
	}

	report, err = svc.Delete(ctx, "acct-1")
	if err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if report.Credentials != 1 {
		t.Errorf("report = %+v, want the last owner to delete the credential", report)
	}
}

func TestService_BlacklistAndBindings(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seed(t, svc, db, "acct-1", "one@example.com")

	acct, err := svc.SetBlacklisted(ctx, "new-acct", true)
	if err != nil || !acct.Blacklisted {
		t.Fatalf("SetBlacklisted() = %+v, %v", acct, err)
	}

	list, err := svc.ListBindings(ctx, "acct-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListBindings() = %v, %v", list, err)
	}

	tests := []struct {
		name     string
		account  string
		mailbox  string
		wantCode string
	}{
		{"missing account", "", "one@example.com", apperr.CodeMissingRecipient},
		{"bad address", "acct-1", "nope", apperr.CodeInvalidEmailAddressFormat},
		{"not bound", "acct-1", "other@example.com", apperr.CodeUnknownMailbox},
		{"bound", "acct-1", "ONE@example.com", ""},
		{"already unbound", "acct-1", "one@example.com", apperr.CodeUnknownMailbox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Unbind(ctx, tt.account, tt.mailbox)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Unbind() error = %v", err)
				}
				return
			}
			if got := apperr.AsAppError(err).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}

	if rec, _ := svc.Creds.Load(ctx, db.Session(), "one@example.com"); rec == nil {
		t.Error("unbinding must not delete the credential")
	}
}
