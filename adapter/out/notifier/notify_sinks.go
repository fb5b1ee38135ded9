// Package notifier delivers message summaries to chat recipients.
package notifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/logger"
	"notify_server/pkg/resilience"
)

// Outbound is the payload every sink carries. Content is ready to post as a
// chat message; Summary keeps the structured fields for bots that format
// their own.
type Outbound struct {
	ID          string                `json:"id,omitempty"`
	RecipientID string                `json:"recipient_id"`
	Content     string                `json:"content"`
	Summary     domain.MessageSummary `json:"summary"`
	CreatedAt   time.Time             `json:"created_at"`
}

// IDSource issues notification ids. snowflake.Generator implements it.
type IDSource interface {
	NextString() (string, error)
}

// newOutbound stamps an id when ids is set. The id is stable across
// redeliveries of the same Outbound, so consumers can drop duplicates.
func newOutbound(ids IDSource, recipientID string, s domain.MessageSummary) (*Outbound, error) {
	ob := &Outbound{
		RecipientID: recipientID,
		Content:     s.Content(),
		Summary:     s,
		CreatedAt:   time.Now().UTC(),
	}
	if ids != nil {
		id, err := ids.NextString()
		if err != nil {
			return nil, err
		}
		ob.ID = id
	}
	return ob, nil
}

// Publisher is the slice of the stream producer the stream sink needs.
type Publisher interface {
	Publish(ctx context.Context, stream string, data any) (string, error)
}

// StreamSink queues summaries on the outbound stream for a chat bot to
// deliver.
type StreamSink struct {
	pub    Publisher
	stream string
	ids    IDSource
}

func NewStreamSink(pub Publisher) *StreamSink {
	return &StreamSink{pub: pub, stream: out.StreamOutbound}
}

func (s *StreamSink) SetIDs(ids IDSource) {
	s.ids = ids
}

func (s *StreamSink) Notify(ctx context.Context, recipientID string, summary domain.MessageSummary) error {
	ob, err := newOutbound(s.ids, recipientID, summary)
	if err != nil {
		return err
	}
	_, err = s.pub.Publish(ctx, s.stream, ob)
	return err
}

// WebhookSink posts each summary as JSON to a chat webhook.
type WebhookSink struct {
	url    string
	client *http.Client
	cb     *resilience.Breaker
	ids    IDSource
}

func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{
		url:    url,
		client: client,
		cb:     resilience.NewBreaker(resilience.DefaultBreakerConfig("notify-webhook")),
	}
}

// WebhookError carries a non-2xx webhook response.
type WebhookError struct {
	Status int
	Body   string
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.Status, e.Body)
}

func (s *WebhookSink) SetIDs(ids IDSource) {
	s.ids = ids
}

func (s *WebhookSink) Notify(ctx context.Context, recipientID string, summary domain.MessageSummary) error {
	ob, err := newOutbound(s.ids, recipientID, summary)
	if err != nil {
		return err
	}
	body, err := json.Marshal(ob)
	if err != nil {
		return err
	}
	return s.cb.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if ob.ID != "" {
			req.Header.Set("Idempotency-Key", ob.ID)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &WebhookError{Status: resp.StatusCode, Body: string(snippet)}
		}
		io.Copy(io.Discard, resp.Body)
		return nil
	})
}

// LogSink only logs. It is the development default.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, recipientID string, summary domain.MessageSummary) error {
	logger.WithContext(ctx).WithFields(map[string]any{
		"recipient_id": recipientID,
		"mailbox":      logger.MaskEmail(summary.Mailbox),
		"message_id":   summary.MessageID,
		"subject":      summary.Subject,
	}).Info("[LogSink] notification")
	return nil
}

var (
	_ out.NotificationSink = (*StreamSink)(nil)
	_ out.NotificationSink = (*WebhookSink)(nil)
	_ out.NotificationSink = LogSink{}
)
