package out

import (
	"context"
	"time"

	"notify_server/core/domain"
)

// Stream names shared by producers and consumers.
const (
	StreamPush     = "mail:push"
	StreamOutbound = "notify:outbound"
)

// PushJob is one accepted push notification waiting for detection.
type PushJob struct {
	Mailbox    string    `json:"mailbox"`
	HistoryID  uint64    `json:"history_id"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	RequestID  string    `json:"request_id,omitempty"`
}

// PushDispatcher hands accepted pushes to the detection pipeline without
// waiting for it.
type PushDispatcher interface {
	Dispatch(ctx context.Context, job *PushJob) error
}

// NotificationSink delivers a summary to one chat recipient.
type NotificationSink interface {
	Notify(ctx context.Context, recipientID string, summary domain.MessageSummary) error
}

// MailboxLocker serializes the check-fetch-record sequence per mailbox.
type MailboxLocker interface {
	// Lock blocks until the mailbox is held or ctx ends.
	Lock(ctx context.Context, mailbox string) (unlock func(), err error)
}

// DeliveryDeduper remembers provider delivery ids for a short window.
type DeliveryDeduper interface {
	// FirstDelivery reports false when id was seen within the window.
	FirstDelivery(ctx context.Context, id string) (bool, error)
	// Forget drops id so a redelivery counts as first again.
	Forget(ctx context.Context, id string) error
}
