package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"notify_server/core/port/out"
	"notify_server/pkg/logger"
	"notify_server/pkg/metrics"
)

var (
	// ErrPoolStopped is returned by Dispatch when the pool is not running.
	ErrPoolStopped = errors.New("push pool is not running")
	// ErrPoolFull is returned by Dispatch when WorkerChanSize jobs are
	// already queued or running.
	ErrPoolFull = errors.New("push pool queue is full")
)

// JobProcessor runs detection for one push. mail.Pipeline implements it.
type JobProcessor interface {
	Process(ctx context.Context, job *out.PushJob) error
}

// PoolConfig holds push pool configuration.
type PoolConfig struct {
	Workers        int
	WorkerChanSize int
	JobTimeout     time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	CloseTimeout   time.Duration
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		WorkerChanSize: 100,
		JobTimeout:     60 * time.Second,
		MaxRetries:     3,
		RetryBase:      time.Second,
		CloseTimeout:   30 * time.Second,
	}
}

// PushPool is the in-process PushDispatcher. Accepted pushes are handed to a
// go-pkgz/pool worker group and processed off the request path. Failed jobs
// are resubmitted with exponential backoff until MaxRetries.
type PushPool struct {
	processor JobProcessor
	config    *PoolConfig
	metrics   *metrics.Registry
	log       zerolog.Logger

	mu      sync.Mutex
	group   *pool.WorkerGroup[*poolJob]
	cancel  context.CancelFunc
	started bool
	retries sync.WaitGroup

	// inFlight counts admitted jobs not yet finished. Keeping it at or below
	// WorkerChanSize means group.Submit never blocks under mu.
	inFlight atomic.Int64
}

type poolJob struct {
	push    *out.PushJob
	attempt int
}

type pushWorker struct {
	pool *PushPool
}

// Do implements pool.Worker.
func (w *pushWorker) Do(ctx context.Context, job *poolJob) error {
	defer w.pool.inFlight.Add(-1)
	return w.pool.processJob(ctx, job)
}

func NewPushPool(processor JobProcessor, config *PoolConfig) *PushPool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	def := DefaultPoolConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = def.WorkerChanSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.RetryBase <= 0 {
		config.RetryBase = def.RetryBase
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = def.CloseTimeout
	}
	return &PushPool{
		processor: processor,
		config:    config,
		log:       logger.Default().Component("push_pool"),
	}
}

func (p *PushPool) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// Start launches the worker group. Calling it twice is a no-op.
func (p *PushPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	group := pool.New[*poolJob](p.config.Workers, &pushWorker{pool: p}).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()
	if err := group.Go(ctx); err != nil {
		cancel()
		return err
	}

	p.group = group
	p.cancel = cancel
	p.started = true
	p.log.Info().
		Int("workers", p.config.Workers).
		Int("chan_size", p.config.WorkerChanSize).
		Msg("push pool started")
	return nil
}

// Stop stops accepting jobs and waits for queued ones to finish. Retries
// still in backoff are dropped when their timer fires.
func (p *PushPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	group, cancel := p.group, p.cancel
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), p.config.CloseTimeout)
	defer closeCancel()
	if err := group.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn().Err(err).Msg("push pool closed with errors")
	}
	cancel()
	p.retries.Wait()
	p.log.Info().Msg("push pool stopped")
}

// Dispatch implements out.PushDispatcher.
func (p *PushPool) Dispatch(ctx context.Context, job *out.PushJob) error {
	if err := p.submit(&poolJob{push: job}); err != nil {
		if errors.Is(err, ErrPoolFull) {
			p.metrics.Inc("pool_rejected")
		}
		return err
	}
	p.metrics.Inc("pool_submitted")
	return nil
}

// submit serializes producers since WorkerGroup.Submit expects one writer.
// It refuses rather than blocks when the queue is at capacity.
func (p *PushPool) submit(job *poolJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolStopped
	}
	if p.inFlight.Load() >= int64(p.config.WorkerChanSize) {
		return ErrPoolFull
	}
	p.inFlight.Add(1)
	p.group.Submit(job)
	return nil
}

func (p *PushPool) processJob(ctx context.Context, job *poolJob) error {
	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	err := p.processor.Process(jobCtx, job.push)
	if err == nil {
		p.metrics.Inc("pool_processed")
		return nil
	}

	log := p.log.With().
		Str("request_id", job.push.RequestID).
		Str("mailbox", logger.MaskEmail(job.push.Mailbox)).
		Int("attempt", job.attempt).
		Logger()

	if job.attempt >= p.config.MaxRetries || ctx.Err() != nil {
		p.metrics.Inc("pool_failed")
		log.Error().Err(err).Msg("push job permanently failed")
		return err
	}

	job.attempt++
	p.metrics.Inc("pool_retried")
	jitter := time.Duration(rand.Int63n(int64(p.config.RetryBase)/2 + 1))
	backoff := p.config.RetryBase*time.Duration(1<<job.attempt) + jitter
	log.Warn().Err(err).Dur("backoff", backoff).Msg("push job failed, retrying")

	p.retries.Add(1)
	time.AfterFunc(backoff, func() {
		defer p.retries.Done()
		if err := p.submit(job); err != nil {
			p.metrics.Inc("pool_failed")
			log.Warn().Err(err).Msg("retry dropped")
		}
	})
	return err
}
