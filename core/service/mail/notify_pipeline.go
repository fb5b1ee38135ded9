package mail

import (
	"context"
	"time"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/logger"
	"notify_server/pkg/metrics"
)

// Retriever is satisfied by Detector.
type Retriever interface {
	RetrieveNewMessage(ctx context.Context, mailbox string) (*domain.Message, error)
}

// SenderFilter is satisfied by filter.Service.
type SenderFilter interface {
	ShouldNotify(ctx context.Context, accountID, mailbox string, msg *domain.Message) (bool, error)
}

// Pipeline turns one accepted push into zero or more chat notifications:
// detect, then evaluate each bound recipient's rules, then deliver.
type Pipeline struct {
	detector Retriever
	filters  SenderFilter
	bindings out.BindingRepository
	tx       out.TxRunner
	sink     out.NotificationSink
	metrics  *metrics.Registry
}

func NewPipeline(detector Retriever, filters SenderFilter, bindings out.BindingRepository, tx out.TxRunner, sink out.NotificationSink) *Pipeline {
	return &Pipeline{
		detector: detector,
		filters:  filters,
		bindings: bindings,
		tx:       tx,
		sink:     sink,
	}
}

func (p *Pipeline) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// Process handles one push job. Recipients are resolved before detection
// because detection records the id; after that only per-recipient delivery
// runs, and its failures are logged rather than returned. Returned errors are
// transient provider or storage errors raised before the id was recorded.
func (p *Pipeline) Process(ctx context.Context, job *out.PushJob) error {
	ctx = logger.ContextWithRequestID(ctx, job.RequestID)
	log := logger.WithContext(ctx).WithField("mailbox", logger.MaskEmail(job.Mailbox))

	recipients, err := p.bindings.Recipients(ctx, p.tx.Session(), job.Mailbox, domain.ProviderGmail)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		log.Debug("[Pipeline] no recipients bound")
		return nil
	}

	msg, err := p.detector.RetrieveNewMessage(ctx, job.Mailbox)
	if domain.IsInvalidCredential(err) {
		p.metrics.Inc("pipeline_invalid_credential")
		log.WithError(err).Info("[Pipeline] mailbox needs re-authorization")
		return nil
	}
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	summary := domain.NewMessageSummary(job.Mailbox, msg)
	for _, accountID := range recipients {
		p.deliver(ctx, accountID, job.Mailbox, msg, summary)
	}
	return nil
}

func (p *Pipeline) deliver(ctx context.Context, accountID, mailbox string, msg *domain.Message, summary domain.MessageSummary) {
	log := logger.WithContext(ctx).WithField("account_id", accountID)

	ok, err := p.filters.ShouldNotify(ctx, accountID, mailbox, msg)
	if err != nil {
		log.WithError(err).Error("[Pipeline] filter evaluation failed")
		return
	}
	if !ok {
		p.metrics.Inc("notifications_filtered")
		return
	}

	start := time.Now()
	err = p.sink.Notify(ctx, accountID, summary)
	p.metrics.Since(metrics.OpNotify, start)
	if err != nil {
		p.metrics.Inc("notifications_failed")
		log.WithError(err).Error("[Pipeline] delivery failed")
		return
	}
	p.metrics.Inc("notifications_sent")
}
