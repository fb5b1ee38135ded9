// Package messaging moves push jobs and outbound notifications over Redis
// Streams.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"notify_server/core/port/out"
)

// DefaultMaxLen caps each stream so an idle consumer group cannot grow it
// without bound.
const DefaultMaxLen = 100_000

// RedisProducer appends JSON payloads to Redis Streams.
type RedisProducer struct {
	client redis.UniversalClient
	maxLen int64
}

func NewRedisProducer(client redis.UniversalClient) *RedisProducer {
	return &RedisProducer{client: client, maxLen: DefaultMaxLen}
}

// Dispatch queues job on the push stream for any worker to pick up.
func (p *RedisProducer) Dispatch(ctx context.Context, job *out.PushJob) error {
	_, err := p.Publish(ctx, out.StreamPush, job)
	return err
}

// Publish appends data under the "data" field and returns the entry id.
func (p *RedisProducer) Publish(ctx context.Context, stream string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", stream, err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id, nil
}

var _ out.PushDispatcher = (*RedisProducer)(nil)
