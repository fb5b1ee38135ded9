package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestKeyedMutex_SerializesPerMailbox(t *testing.T) {
	k := NewKeyedMutex()
	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "owner@example.com")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak holders = %d, want 1", peak.Load())
	}
	if k.Len() != 0 {
		t.Errorf("slots left = %d", k.Len())
	}
}

func TestKeyedMutex_OtherMailboxesProceed(t *testing.T) {
	k := NewKeyedMutex()
	unlock, _ := k.Lock(context.Background(), "a@example.com")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := k.Lock(ctx, "b@example.com")
	if err != nil {
		t.Fatalf("different mailbox blocked: %v", err)
	}
	other()

	short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if _, err := k.Lock(short, "a@example.com"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestMemoryDeduper(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	d := NewMemoryDeduper(time.Minute)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	steps := []struct {
		advance time.Duration
		id      string
		want    bool
	}{
		{0, "m1", true},
		{0, "m1", false},
		{0, "m2", true},
		{30 * time.Second, "m1", false},
		{31 * time.Second, "m1", true},
	}
	for i, s := range steps {
		now = now.Add(s.advance)
		got, err := d.FirstDelivery(ctx, s.id)
		if err != nil || got != s.want {
			t.Errorf("step %d: FirstDelivery(%s) = %v, %v, want %v", i, s.id, got, err, s.want)
		}
	}
}

func TestMemoryDeduper_Forget(t *testing.T) {
	d := NewMemoryDeduper(time.Minute)
	ctx := context.Background()

	if first, _ := d.FirstDelivery(ctx, "m1"); !first {
		t.Fatal("first delivery should be new")
	}
	if err := d.Forget(ctx, "m1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if again, _ := d.FirstDelivery(ctx, "m1"); !again {
		t.Error("forgotten id should count as first again")
	}
}

func TestRedisLockerAndDeduper(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	ctx := context.Background()
	mailbox := uuid.NewString() + "@example.com"

	l := NewRedisLocker(client, time.Second)
	unlock, err := l.Lock(ctx, mailbox)
	if err != nil {
		t.Fatal(err)
	}
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, mailbox); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second lock error = %v", err)
	}
	unlock()
	again, err := l.Lock(ctx, mailbox)
	if err != nil {
		t.Fatalf("lock after unlock: %v", err)
	}
	again()

	d := NewRedisDeduper(client, time.Second)
	id := uuid.NewString()
	if first, _ := d.FirstDelivery(ctx, id); !first {
		t.Error("first delivery reported as duplicate")
	}
	if first, _ := d.FirstDelivery(ctx, id); first {
		t.Error("redelivery reported as first")
	}
	if err := d.Forget(ctx, id); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if first, _ := d.FirstDelivery(ctx, id); !first {
		t.Error("forgotten id reported as duplicate")
	}
}
