package worker

import (
	"context"

	"github.com/goccy/go-json"

	"notify_server/adapter/out/messaging"
	"notify_server/core/port/out"
	"notify_server/pkg/logger"
)

// StreamFeed decodes push jobs read from the push stream and runs them
// through the processor. Returning an error leaves the entry pending so the
// consumer can reclaim it.
type StreamFeed struct {
	processor JobProcessor
}

func NewStreamFeed(processor JobProcessor) *StreamFeed {
	return &StreamFeed{processor: processor}
}

// Handle implements messaging.JobHandler.
func (f *StreamFeed) Handle(ctx context.Context, stream string, data []byte) error {
	var job out.PushJob
	if err := json.Unmarshal(data, &job); err != nil || job.Mailbox == "" {
		// Undecodable entries can never succeed; ack them.
		logger.WithContext(ctx).WithField("stream", stream).WithError(err).
			Error("[StreamFeed] dropping malformed push job")
		return nil
	}
	return f.processor.Process(ctx, &job)
}

var _ messaging.JobHandler = (*StreamFeed)(nil)
