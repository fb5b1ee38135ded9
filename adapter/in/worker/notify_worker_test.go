package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notify_server/core/port/out"
	"notify_server/core/service/watch"
)

type recordingProcessor struct {
	mu       sync.Mutex
	jobs     []string
	failures map[string]int
	done     chan string
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{failures: map[string]int{}, done: make(chan string, 16)}
}

func (r *recordingProcessor) Process(ctx context.Context, job *out.PushJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.Mailbox)
	if r.failures[job.Mailbox] > 0 {
		r.failures[job.Mailbox]--
		return errors.New("transient")
	}
	r.done <- job.Mailbox
	return nil
}

func (r *recordingProcessor) attempts(mailbox string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.jobs {
		if m == mailbox {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("processed %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestPushPool_DispatchAndRetry(t *testing.T) {
	proc := newRecordingProcessor()
	proc.failures["flaky@example.com"] = 2

	p := NewPushPool(proc, &PoolConfig{Workers: 2, MaxRetries: 3, RetryBase: time.Millisecond})
	if err := p.Dispatch(context.Background(), &out.PushJob{Mailbox: "early@example.com"}); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("Dispatch before Start error = %v, want ErrPoolStopped", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	if err := p.Dispatch(context.Background(), &out.PushJob{Mailbox: "one@example.com"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitFor(t, proc.done, "one@example.com")

	if err := p.Dispatch(context.Background(), &out.PushJob{Mailbox: "flaky@example.com"}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitFor(t, proc.done, "flaky@example.com")
	if got := proc.attempts("flaky@example.com"); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPushPool_GivesUpAfterMaxRetries(t *testing.T) {
	proc := newRecordingProcessor()
	proc.failures["dead@example.com"] = 100

	p := NewPushPool(proc, &PoolConfig{Workers: 1, MaxRetries: 1, RetryBase: time.Millisecond})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Dispatch(context.Background(), &out.PushJob{Mailbox: "dead@example.com"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for proc.attempts("dead@example.com") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	if got := proc.attempts("dead@example.com"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if err := p.Dispatch(context.Background(), &out.PushJob{Mailbox: "late@example.com"}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Dispatch after Stop error = %v, want ErrPoolStopped", err)
	}
}

type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingProcessor) Process(ctx context.Context, job *out.PushJob) error {
	b.started <- struct{}{}
	<-b.release
	return nil
}

func TestPushPool_RejectsWhenFull(t *testing.T) {
	proc := &blockingProcessor{started: make(chan struct{}, 4), release: make(chan struct{})}
	p := NewPushPool(proc, &PoolConfig{Workers: 1, WorkerChanSize: 2})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	defer close(proc.release)

	for _, m := range []string{"a@example.com", "b@example.com"} {
		if err := p.Dispatch(context.Background(), &out.PushJob{Mailbox: m}); err != nil {
			t.Fatalf("Dispatch(%s) error = %v", m, err)
		}
	}
	select {
	case <-proc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job never started")
	}

	done := make(chan error, 1)
	go func() { done <- p.Dispatch(context.Background(), &out.PushJob{Mailbox: "c@example.com"}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrPoolFull) {
			t.Errorf("Dispatch at capacity error = %v, want ErrPoolFull", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
}

func TestStreamFeed_Handle(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		fail    bool
		wantErr bool
		want    int
	}{
		{"valid job", `{"mailbox":"one@example.com","history_id":7}`, false, false, 1},
		{"malformed json is acked", `{nope`, false, false, 0},
		{"missing mailbox is acked", `{"history_id":7}`, false, false, 0},
		{"processor failure stays pending", `{"mailbox":"one@example.com"}`, true, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := newRecordingProcessor()
			if tt.fail {
				proc.failures["one@example.com"] = 1
			}
			err := NewStreamFeed(proc).Handle(context.Background(), out.StreamPush, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := proc.attempts("one@example.com"); got != tt.want {
				t.Errorf("processed %d times, want %d", got, tt.want)
			}
		})
	}
}

type countingRenewer struct {
	calls   atomic.Int32
	started chan struct{}
	once    sync.Once
}

func (c *countingRenewer) RenewAll(ctx context.Context) (*watch.RenewReport, error) {
	c.calls.Add(1)
	c.once.Do(func() { close(c.started) })
	return &watch.RenewReport{Total: 1, Renewed: 1}, nil
}

func TestWatchRenewScheduler_RunsImmediatelyAndStops(t *testing.T) {
	r := &countingRenewer{started: make(chan struct{})}
	s := NewWatchRenewScheduler(r, time.Hour)

	s.Start(context.Background())
	s.Start(context.Background())

	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not renew on start")
	}
	s.Stop()
	s.Stop()

	if got := r.calls.Load(); got != 1 {
		t.Errorf("renewals = %d, want 1", got)
	}
}

func TestWatchRenewScheduler_Ticks(t *testing.T) {
	r := &countingRenewer{started: make(chan struct{})}
	s := NewWatchRenewScheduler(r, 10*time.Millisecond)
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if r.calls.Load() < 3 {
		t.Errorf("renewals = %d, want at least 3", r.calls.Load())
	}
}
