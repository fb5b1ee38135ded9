package mail

import (
	"context"
	"fmt"
	"time"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/httputil"
	"notify_server/pkg/logger"
	"notify_server/pkg/metrics"
)

// CredentialRefresher is satisfied by auth.Refresher.
type CredentialRefresher interface {
	RefreshIfNeeded(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error)
}

// Detector decides whether a push for a mailbox carries a message nobody has
// been notified about yet.
type Detector struct {
	tx        out.TxRunner
	creds     out.CredentialRepository
	ledger    out.LedgerRepository
	provider  out.MailProvider
	refresher CredentialRefresher
	locker    out.MailboxLocker
	timeout   time.Duration
	metrics   *metrics.Registry
	now       func() time.Time
}

type DetectorDeps struct {
	Tx        out.TxRunner
	Creds     out.CredentialRepository
	Ledger    out.LedgerRepository
	Provider  out.MailProvider
	Refresher CredentialRefresher
	Locker    out.MailboxLocker
}

func NewDetector(deps DetectorDeps, timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Detector{
		tx:        deps.Tx,
		creds:     deps.Creds,
		ledger:    deps.Ledger,
		provider:  deps.Provider,
		refresher: deps.Refresher,
		locker:    deps.Locker,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (d *Detector) SetMetrics(m *metrics.Registry) {
	d.metrics = m
}

// RetrieveNewMessage returns the most recent message of mailbox if it was
// never seen before, or nil. Unconfigured mailboxes and drafts yield nil.
// Calls for the same mailbox are serialized so the seen check, the fetch and
// the ledger write happen as one sequence.
func (d *Detector) RetrieveNewMessage(ctx context.Context, mailbox string) (*domain.Message, error) {
	defer d.metrics.Since(metrics.OpDetect, time.Now())
	log := logger.WithContext(ctx).WithField("mailbox", logger.MaskEmail(mailbox))

	unlock, err := d.locker.Lock(ctx, mailbox)
	if err != nil {
		return nil, fmt.Errorf("lock mailbox: %w", err)
	}
	defer unlock()

	rec, err := d.creds.Load(ctx, d.tx.Session(), mailbox)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		log.Debug("[Detector] no credential for mailbox")
		return nil, nil
	}

	rec, err = d.refresher.RefreshIfNeeded(ctx, rec)
	if err != nil {
		return nil, err
	}

	ids, err := d.list(ctx, rec)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0]

	seen, err := d.ledger.Contains(ctx, d.tx.Session(), mailbox, id)
	if err != nil {
		return nil, err
	}
	if seen {
		d.metrics.Inc("detect_duplicates")
		log.Debug("[Detector] message %s already seen", id)
		return nil, nil
	}

	msg, err := d.fetch(ctx, rec, id)
	if err != nil {
		return nil, err
	}

	var recorded bool
	err = d.tx.InTx(ctx, func(s out.Session) error {
		recorded, err = d.ledger.Record(ctx, s, mailbox, id, d.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record seen message: %w", err)
	}
	if !recorded {
		// another process got here first
		return nil, nil
	}

	if msg.IsDraft() {
		d.metrics.Inc("detect_drafts")
		log.Debug("[Detector] suppressing draft %s", id)
		return nil, nil
	}
	d.metrics.Inc("detect_new")
	return msg, nil
}

func (d *Detector) list(ctx context.Context, rec *domain.CredentialRecord) ([]string, error) {
	callCtx, cancel := httputil.WithTimeout(ctx, d.timeout)
	defer cancel()
	ids, err := d.provider.ListRecentMessageIDs(callCtx, rec, 1)
	if err != nil {
		return nil, &domain.TransientProviderError{Op: "list", Cause: err}
	}
	return ids, nil
}

func (d *Detector) fetch(ctx context.Context, rec *domain.CredentialRecord, id string) (*domain.Message, error) {
	callCtx, cancel := httputil.WithTimeout(ctx, d.timeout)
	defer cancel()
	msg, err := d.provider.FetchMessage(callCtx, rec, id)
	if err != nil {
		return nil, &domain.TransientProviderError{Op: "fetch", Cause: err}
	}
	return msg, nil
}
