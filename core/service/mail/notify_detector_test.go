package mail

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notify_server/adapter/out/persistence"
	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/infra/database"
	"notify_server/pkg/crypto"
)

type fakeProvider struct {
	mu       sync.Mutex
	ids      []string
	messages map[string]*domain.Message
	listErr  error
	fetches  atomic.Int32
	delay    time.Duration
}

func (f *fakeProvider) setLatest(msg *domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = make(map[string]*domain.Message)
	}
	f.messages[msg.ID] = msg
	f.ids = []string{msg.ID}
}

func (f *fakeProvider) MailboxAddress(ctx context.Context, rec *domain.CredentialRecord) (string, error) {
	return rec.Mailbox, nil
}

func (f *fakeProvider) ListRecentMessageIDs(ctx context.Context, rec *domain.CredentialRecord, count int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.ids...), nil
}

func (f *fakeProvider) FetchMessage(ctx context.Context, rec *domain.CredentialRecord, id string) (*domain.Message, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id], nil
}

func (f *fakeProvider) Watch(ctx context.Context, rec *domain.CredentialRecord, topic string) (*out.WatchResult, error) {
	return &out.WatchResult{}, nil
}

type passRefresher struct{ err error }

func (p passRefresher) RefreshIfNeeded(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error) {
	if p.err != nil {
		return nil, p.err
	}
	return rec, nil
}

// keyedLocker serializes per key like the production lockers.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock, nil
}

type detectorFixture struct {
	db       *database.DB
	codec    *persistence.Codec
	provider *fakeProvider
	detector *Detector
}

func newDetectorFixture(t *testing.T, refresher CredentialRefresher) *detectorFixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, "sqlite::memory:", nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	enc, _ := crypto.NewEncryptor([]byte("detector-test-key"))
	idx, _ := crypto.NewBlindIndex([]byte("detector-test-index"))
	codec := persistence.NewCodec(enc, idx)
	creds := persistence.NewCredentialAdapter(codec)

	if err := creds.Save(ctx, db.Session(), &domain.CredentialRecord{
		Mailbox:      "owner@example.com",
		AccountID:    "acct-1",
		AccessToken:  "access",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	provider := &fakeProvider{}
	if refresher == nil {
		refresher = passRefresher{}
	}
	detector := NewDetector(DetectorDeps{
		Tx:        db,
		Creds:     creds,
		Ledger:    persistence.NewLedgerAdapter(codec, 200),
		Provider:  provider,
		Refresher: refresher,
		Locker:    &keyedLocker{},
	}, time.Second)
	return &detectorFixture{db: db, codec: codec, provider: provider, detector: detector}
}

func TestDetector_Sequence(t *testing.T) {
	f := newDetectorFixture(t, nil)
	ctx := context.Background()

	steps := []struct {
		name   string
		latest *domain.Message
		wantID string
	}{
		{"first message is new", &domain.Message{ID: "m1"}, "m1"},
		{"same message again is a duplicate", nil, ""},
		{"newer message is new", &domain.Message{ID: "m2"}, "m2"},
		{"draft is suppressed", &domain.Message{ID: "m3", LabelIDs: []string{"DRAFT", "INBOX"}}, ""},
		{"draft stays suppressed", nil, ""},
		{"older id seen before is not renotified", &domain.Message{ID: "m1"}, ""},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			if step.latest != nil {
				f.provider.setLatest(step.latest)
			}
			got, err := f.detector.RetrieveNewMessage(ctx, "owner@example.com")
			if err != nil {
				t.Fatalf("RetrieveNewMessage() error = %v", err)
			}
			switch {
			case step.wantID == "" && got != nil:
				t.Errorf("got message %q, want none", got.ID)
			case step.wantID != "" && (got == nil || got.ID != step.wantID):
				t.Errorf("got %+v, want %q", got, step.wantID)
			}
		})
	}
}

func TestDetector_NoCredentialOrMessages(t *testing.T) {
	f := newDetectorFixture(t, nil)
	ctx := context.Background()

	got, err := f.detector.RetrieveNewMessage(ctx, "stranger@example.com")
	if err != nil || got != nil {
		t.Errorf("unknown mailbox = %v, %v; want nil, nil", got, err)
	}

	got, err = f.detector.RetrieveNewMessage(ctx, "owner@example.com")
	if err != nil || got != nil {
		t.Errorf("empty inbox = %v, %v; want nil, nil", got, err)
	}
}

func TestDetector_Errors(t *testing.T) {
	invalid := &domain.InvalidCredentialError{Mailbox: "owner@example.com", Cause: errors.New("invalid_grant")}

	t.Run("invalid credential propagates", func(t *testing.T) {
		f := newDetectorFixture(t, passRefresher{err: invalid})
		f.provider.setLatest(&domain.Message{ID: "m1"})
		_, err := f.detector.RetrieveNewMessage(context.Background(), "owner@example.com")
		if !domain.IsInvalidCredential(err) {
			t.Fatalf("error = %v, want invalid credential", err)
		}
	})

	t.Run("list failure is transient and records nothing", func(t *testing.T) {
		f := newDetectorFixture(t, nil)
		f.provider.setLatest(&domain.Message{ID: "m1"})
		f.provider.listErr = errors.New("503")
		_, err := f.detector.RetrieveNewMessage(context.Background(), "owner@example.com")
		if !domain.IsTransient(err) {
			t.Fatalf("error = %v, want transient", err)
		}

		f.provider.listErr = nil
		got, err := f.detector.RetrieveNewMessage(context.Background(), "owner@example.com")
		if err != nil || got == nil || got.ID != "m1" {
			t.Errorf("after recovery = %+v, %v; want m1", got, err)
		}
	})
}

func TestDetector_ConcurrentPushesNotifyOnce(t *testing.T) {
	f := newDetectorFixture(t, nil)
	f.provider.delay = 10 * time.Millisecond
	f.provider.setLatest(&domain.Message{ID: "m1"})

	var (
		wg    sync.WaitGroup
		found atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := f.detector.RetrieveNewMessage(context.Background(), "owner@example.com")
			if err != nil {
				t.Errorf("RetrieveNewMessage() error = %v", err)
				return
			}
			if msg != nil {
				found.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := found.Load(); n != 1 {
		t.Errorf("notified %d times, want 1", n)
	}
	if n := f.provider.fetches.Load(); n != 1 {
		t.Errorf("fetched %d times, want 1", n)
	}
}
