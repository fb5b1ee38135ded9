package worker

import (
	"context"
	"sync"
	"time"

	"notify_server/core/service/watch"
	"notify_server/pkg/logger"
)

// Renewer re-registers every stored mailbox watch.
type Renewer interface {
	RenewAll(ctx context.Context) (*watch.RenewReport, error)
}

// WatchRenewScheduler re-registers Gmail watches on a fixed interval. Gmail
// expires a watch after seven days; renewing daily keeps every mailbox live.
type WatchRenewScheduler struct {
	renewer    Renewer
	interval   time.Duration
	runTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatchRenewScheduler(renewer Renewer, interval time.Duration) *WatchRenewScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &WatchRenewScheduler{
		renewer:    renewer,
		interval:   interval,
		runTimeout: 30 * time.Minute,
	}
}

// Start runs one renewal immediately, then one per interval, until Stop or
// ctx ends. Starting a running scheduler is a no-op.
func (s *WatchRenewScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	logger.Info("[WatchRenewScheduler] Starting with interval %v", s.interval)
	go s.run(ctx, s.done)
}

// Stop cancels the running renewal and waits for the loop to exit.
func (s *WatchRenewScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	logger.Info("[WatchRenewScheduler] Stopping...")
	cancel()
	<-done
}

func (s *WatchRenewScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.renew(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[WatchRenewScheduler] Stopped")
			return
		case <-ticker.C:
			s.renew(ctx)
		}
	}
}

func (s *WatchRenewScheduler) renew(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	report, err := s.renewer.RenewAll(ctx)
	if err != nil {
		logger.Error("[WatchRenewScheduler] Renewal interrupted: %v", err)
	}
	if report != nil {
		logger.Info("[WatchRenewScheduler] total=%d renewed=%d skipped=%d failed=%d",
			report.Total, report.Renewed, report.Skipped, report.Failed)
	}
}
