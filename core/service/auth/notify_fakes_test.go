package auth

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notify_server/core/domain"
	"notify_server/core/port/out"
)

type fakeTx struct{ calls atomic.Int32 }

func (f *fakeTx) InTx(ctx context.Context, fn func(s out.Session) error) error {
	f.calls.Add(1)
	return fn(nil)
}

func (f *fakeTx) Session() out.Session { return nil }

type fakeCreds struct {
	mu      sync.Mutex
	records map[string]*domain.CredentialRecord
	saves   int
	saveErr error
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{records: make(map[string]*domain.CredentialRecord)}
}

func (f *fakeCreds) Save(ctx context.Context, s out.Session, rec *domain.CredentialRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	c := rec.Clone()
	c.Valid = true
	f.records[strings.ToLower(rec.Mailbox)] = c
	return nil
}

func (f *fakeCreds) Load(ctx context.Context, s out.Session, mailbox string) (*domain.CredentialRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[strings.ToLower(mailbox)].Clone(), nil
}

func (f *fakeCreds) SetValidity(ctx context.Context, s out.Session, mailbox string, valid bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[strings.ToLower(mailbox)]
	if !ok {
		return false, nil
	}
	rec.Valid = valid
	return true, nil
}

func (f *fakeCreds) LoadAllValid(ctx context.Context, s out.Session) ([]*domain.CredentialRecord, error) {
	return nil, nil
}

func (f *fakeCreds) ListByOwner(ctx context.Context, s out.Session, accountID string) ([]*domain.CredentialRecord, error) {
	return nil, nil
}

func (f *fakeCreds) SetOwner(ctx context.Context, s out.Session, mailbox, accountID string) (bool, error) {
	return false, nil
}

func (f *fakeCreds) DeleteByOwner(ctx context.Context, s out.Session, accountID string) (int64, error) {
	return 0, nil
}

type fakeOAuth struct {
	calls      atomic.Int32
	delay      time.Duration
	refreshed  *domain.CredentialRecord
	refreshErr error
	exchanged  *domain.CredentialRecord
	exchErr    error
}

func (f *fakeOAuth) AuthURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (f *fakeOAuth) Exchange(ctx context.Context, code string) (*domain.CredentialRecord, error) {
	if f.exchErr != nil {
		return nil, f.exchErr
	}
	return f.exchanged.Clone(), nil
}

func (f *fakeOAuth) Refresh(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshed.Clone(), nil
}

type fakeMail struct {
	address string
	err     error
}

func (f *fakeMail) MailboxAddress(ctx context.Context, rec *domain.CredentialRecord) (string, error) {
	return f.address, f.err
}

func (f *fakeMail) ListRecentMessageIDs(ctx context.Context, rec *domain.CredentialRecord, count int) ([]string, error) {
	return nil, nil
}

func (f *fakeMail) FetchMessage(ctx context.Context, rec *domain.CredentialRecord, id string) (*domain.Message, error) {
	return nil, nil
}

func (f *fakeMail) Watch(ctx context.Context, rec *domain.CredentialRecord, topic string) (*out.WatchResult, error) {
	return nil, nil
}

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: make(map[string]*domain.Account)}
}

func (f *fakeAccounts) Ensure(ctx context.Context, s out.Session, id string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		return a, nil
	}
	a := &domain.Account{ID: id, CreatedAt: time.Now()}
	f.accounts[id] = a
	return a, nil
}

func (f *fakeAccounts) Get(ctx context.Context, s out.Session, id string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[id], nil
}

func (f *fakeAccounts) SetBlacklisted(ctx context.Context, s out.Session, id string, b bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return false, nil
	}
	a.Blacklisted = b
	return true, nil
}

func (f *fakeAccounts) Delete(ctx context.Context, s out.Session, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accounts[id]
	delete(f.accounts, id)
	return ok, nil
}

type fakeBindings struct {
	mu    sync.Mutex
	bound []*domain.MailboxBinding
}

func (f *fakeBindings) Bind(ctx context.Context, s out.Session, b *domain.MailboxBinding) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, b)
	return true, nil
}

func (f *fakeBindings) Unbind(ctx context.Context, s out.Session, accountID, mailbox string, p domain.Provider) (bool, error) {
	return false, nil
}

func (f *fakeBindings) ListByAccount(ctx context.Context, s out.Session, accountID string) ([]*domain.MailboxBinding, error) {
	return nil, nil
}

func (f *fakeBindings) Bound(ctx context.Context, s out.Session, accountID, mailbox string, p domain.Provider) (bool, error) {
	return false, nil
}

func (f *fakeBindings) Recipients(ctx context.Context, s out.Session, mailbox string, p domain.Provider) ([]string, error) {
	return nil, nil
}

func (f *fakeBindings) DeleteByAccount(ctx context.Context, s out.Session, accountID string) (int64, error) {
	return 0, nil
}

type fakeNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeNonces) FirstDelivery(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

func (f *fakeNonces) Forget(ctx context.Context, id string) error {
	f.mu.Lock()
	delete(f.seen, id)
	f.mu.Unlock()
	return nil
}

type fakeWatcher struct {
	done chan string
}

func (f *fakeWatcher) Register(ctx context.Context, rec *domain.CredentialRecord) error {
	f.done <- rec.Mailbox
	return nil
}
