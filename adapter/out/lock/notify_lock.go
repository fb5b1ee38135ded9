// Package lock serializes per-mailbox work and remembers push delivery ids,
// in-process or across processes through Redis.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notify_server/core/port/out"
)

// KeyedMutex is an in-process MailboxLocker. Entries are dropped once no
// caller holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, mailbox string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[mailbox]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[mailbox] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(mailbox, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.release(mailbox, s)
		})
	}, nil
}

func (k *KeyedMutex) release(mailbox string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, mailbox)
	}
	k.mu.Unlock()
}

// Len is the number of mailboxes currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// unlockScript deletes the key only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a MailboxLocker shared by every process using the same
// Redis. The TTL must outlast one detection pass.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, prefix: "lock:mailbox:", ttl: ttl, retry: 50 * time.Millisecond}
}

func (r *RedisLocker) Lock(ctx context.Context, mailbox string) (func(), error) {
	key := r.prefix + mailbox
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			unlockScript.Run(unlockCtx, r.client, []string{key}, token)
		})
	}, nil
}

// RedisDeduper remembers delivery ids for ttl with SET NX.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// DefaultDedupTTL covers the provider's redelivery window for an
// unacknowledged push.
const DefaultDedupTTL = 5 * time.Minute

func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, prefix: "dedup:", ttl: ttl}
}

func (r *RedisDeduper) FirstDelivery(ctx context.Context, id string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
}

func (r *RedisDeduper) Forget(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}

// MemoryDeduper is the single-process DeliveryDeduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (m *MemoryDeduper) FirstDelivery(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
	if _, ok := m.seen[id]; ok {
		return false, nil
	}
	m.seen[id] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryDeduper) Forget(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
	return nil
}

var (
	_ out.MailboxLocker   = (*KeyedMutex)(nil)
	_ out.MailboxLocker   = (*RedisLocker)(nil)
	_ out.DeliveryDeduper = (*RedisDeduper)(nil)
	_ out.DeliveryDeduper = (*MemoryDeduper)(nil)
)
