package watch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"notify_server/core/domain"
	"notify_server/core/port/out"
	"notify_server/pkg/httputil"
	"notify_server/pkg/logger"
	"notify_server/pkg/metrics"
)

// MaxBatchSize bounds how many mailboxes one renewal batch covers. Each
// mailbox is still its own watch call; the bound matches the provider's
// batched-request limit.
const MaxBatchSize = 100

// CredentialRefresher is satisfied by auth.Refresher.
type CredentialRefresher interface {
	RefreshIfNeeded(ctx context.Context, rec *domain.CredentialRecord) (*domain.CredentialRecord, error)
}

type Config struct {
	Topic       string
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
}

// Service keeps provider push subscriptions alive.
type Service struct {
	tx        out.TxRunner
	creds     out.CredentialRepository
	watches   out.WatchRepository
	provider  out.MailProvider
	refresher CredentialRefresher
	cfg       Config
	metrics   *metrics.Registry
	now       func() time.Time
}

func NewService(tx out.TxRunner, creds out.CredentialRepository, watches out.WatchRepository, provider out.MailProvider, refresher CredentialRefresher, cfg Config) *Service {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Service{
		tx:        tx,
		creds:     creds,
		watches:   watches,
		provider:  provider,
		refresher: refresher,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// Register asks the provider to push INBOX changes for rec's mailbox to the
// configured topic and stores the outcome.
func (s *Service) Register(ctx context.Context, rec *domain.CredentialRecord) error {
	defer s.metrics.Since(metrics.OpWatchRegister, time.Now())

	callCtx, cancel := httputil.WithTimeout(ctx, s.cfg.Timeout)
	res, err := s.provider.Watch(callCtx, rec, s.cfg.Topic)
	cancel()

	now := s.now()
	if err != nil {
		if ferr := s.tx.InTx(ctx, func(sess out.Session) error {
			return s.watches.RecordFailure(ctx, sess, rec.Mailbox, err.Error(), now)
		}); ferr != nil {
			logger.WithError(ferr).Warn("[WatchService] failed to record watch failure")
		}
		return fmt.Errorf("watch %s: %w", logger.MaskEmail(rec.Mailbox), err)
	}

	return s.tx.InTx(ctx, func(sess out.Session) error {
		return s.watches.Upsert(ctx, sess, &domain.WatchRegistration{
			Mailbox:   rec.Mailbox,
			HistoryID: res.HistoryID,
			ExpiresAt: res.Expiration,
			RenewedAt: now,
		})
	})
}

// RenewReport summarizes one renewal pass.
type RenewReport struct {
	Total   int `json:"total"`
	Renewed int `json:"renewed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// RenewAll re-registers every valid credential. A mailbox that fails is
// logged and counted; it never stops the others. The returned error is only
// set when the credential list cannot be read or ctx ends early. The report
// is never nil.
func (s *Service) RenewAll(ctx context.Context) (*RenewReport, error) {
	recs, err := s.creds.LoadAllValid(ctx, s.tx.Session())
	if err != nil {
		return &RenewReport{}, fmt.Errorf("load credentials: %w", err)
	}

	report := &RenewReport{Total: len(recs)}
	var renewed, skipped, failed atomic.Int64

	for start := 0; start < len(recs); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			s.fill(report, &renewed, &skipped, &failed)
			return report, err
		}
		end := min(start+s.cfg.BatchSize, len(recs))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, rec := range recs[start:end] {
			g.Go(func() error {
				switch s.renewOne(gctx, rec) {
				case renewOK:
					renewed.Add(1)
				case renewSkipped:
					skipped.Add(1)
				default:
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	s.fill(report, &renewed, &skipped, &failed)
	s.metrics.Add("watch_renewed", int64(report.Renewed))
	s.metrics.Add("watch_failed", int64(report.Failed))
	logger.Info("[WatchService] renewal done: %d renewed, %d skipped, %d failed of %d",
		report.Renewed, report.Skipped, report.Failed, report.Total)
	return report, nil
}

func (s *Service) fill(r *RenewReport, renewed, skipped, failed *atomic.Int64) {
	r.Renewed = int(renewed.Load())
	r.Skipped = int(skipped.Load())
	r.Failed = int(failed.Load())
}

type renewOutcome int

const (
	renewOK renewOutcome = iota
	renewSkipped
	renewFailed
)

func (s *Service) renewOne(ctx context.Context, rec *domain.CredentialRecord) renewOutcome {
	log := logger.WithField("mailbox", logger.MaskEmail(rec.Mailbox))

	fresh, err := s.refresher.RefreshIfNeeded(ctx, rec)
	if domain.IsInvalidCredential(err) {
		log.Info("[WatchService] skipping mailbox with revoked credential")
		return renewSkipped
	}
	if err != nil {
		log.WithError(err).Warn("[WatchService] refresh failed, skipping this round")
		return renewFailed
	}
	if err := s.Register(ctx, fresh); err != nil {
		log.WithError(err).Warn("[WatchService] watch renewal failed")
		return renewFailed
	}
	return renewOK
}

// List returns every stored registration for monitoring.
func (s *Service) List(ctx context.Context) ([]*domain.WatchRegistration, error) {
	return s.watches.List(ctx, s.tx.Session())
}
