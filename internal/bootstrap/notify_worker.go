package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"notify_server/adapter/in/worker"
	"notify_server/adapter/out/messaging"
	"notify_server/core/port/out"
	"notify_server/pkg/logger"
)

const consumerGroup = "notify-workers"

// Worker consumes the push stream and runs the watch renewal schedule.
type Worker struct {
	consumers []*messaging.Consumer
	scheduler *worker.WatchRenewScheduler
	log       zerolog.Logger
}

func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	w := &Worker{log: logger.Default().Component("worker")}

	if deps.Redis != nil {
		feed := worker.NewStreamFeed(deps.Pipeline)
		n := max(cfg.WorkerMax, 1)
		for i := 0; i < n; i++ {
			w.consumers = append(w.consumers, messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
				Group:    consumerGroup,
				Consumer: fmt.Sprintf("%s-%d", cfg.WorkerID, i),
				Streams:  []string{out.StreamPush},
				Handler:  feed,
				Logger:   w.log,
			}))
		}
		logger.Info("Stream consumers configured: %d on %s", n, out.StreamPush)
	} else {
		logger.Warn("Redis not available, worker will not consume %s", out.StreamPush)
	}

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewWatchRenewScheduler(deps.WatchService, cfg.WatchRenewInterval)
	}
	return w
}

// Run blocks until ctx ends or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	if w.scheduler != nil {
		w.scheduler.Start(ctx)
		defer w.scheduler.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range w.consumers {
		g.Go(func() error {
			if err := c.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	<-gctx.Done()
	return g.Wait()
}
