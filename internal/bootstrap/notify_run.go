package bootstrap

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"notify_server/adapter/in/worker"
	"notify_server/core/port/out"
	"notify_server/pkg/logger"
)

// Run modes.
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

const shutdownTimeout = 30 * time.Second

// Run serves mode until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, deps *Dependencies, mode string) error {
	runAPI := mode == ModeAPI || mode == ModeAll
	runWorker := mode == ModeWorker || mode == ModeAll
	if !runAPI && !runWorker {
		return fmt.Errorf("unknown mode %q", mode)
	}

	g, gctx := errgroup.WithContext(ctx)

	if runAPI {
		dispatcher, stop, err := newDispatcher(gctx, deps)
		if err != nil {
			return err
		}
		defer stop()

		app, release := NewAPI(deps, mode, dispatcher)
		defer release()

		addr := ":" + deps.Config.Port
		g.Go(func() error {
			logger.Info("Starting API server on %s", addr)
			return app.Listen(addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
			return app.ShutdownWithTimeout(shutdownTimeout)
		})
	}

	if runWorker {
		w := NewWorker(deps)
		g.Go(func() error {
			logger.Info("Starting worker...")
			return w.Run(gctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		logger.Info("Shut down gracefully")
		return nil
	}
	return err
}

// newDispatcher publishes to the push stream when Redis is configured and a
// worker consumes it. Without Redis, pushes run in an in-process pool.
func newDispatcher(ctx context.Context, deps *Dependencies) (out.PushDispatcher, func(), error) {
	if deps.Producer != nil {
		logger.Info("Push jobs go to stream %s", out.StreamPush)
		return deps.Producer, func() {}, nil
	}

	pool := worker.NewPushPool(deps.Pipeline, &worker.PoolConfig{
		Workers:        deps.Config.WorkerMax,
		WorkerChanSize: deps.Config.WorkerQueueSize,
		JobTimeout:     2 * deps.Config.ProviderTimeout,
		MaxRetries:     3,
	})
	pool.SetMetrics(deps.Metrics)
	// queued jobs drain on Stop rather than on cancellation
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, nil, fmt.Errorf("start push pool: %w", err)
	}
	logger.Info("Push jobs run in-process")
	return pool, pool.Stop, nil
}
