package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/atlassian/cistatsd/pkg/web"
)

// flushScheduler drives the flush cycle at a fixed cadence.
type flushScheduler struct {
	logger    logrus.FieldLogger
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

func newFlushScheduler(logger logrus.FieldLogger, flusher web.Flusher, interval time.Duration) (*flushScheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	// Cycles in flight are cancelled by Run on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			flusher.Flush(ctx)
		}),
		gocron.WithName("flush"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to schedule flush: %w", err)
	}

	return &flushScheduler{
		logger:    logger,
		scheduler: s,
		cancel:    cancel,
	}, nil
}

// Run starts the scheduler and stops it once ctx is done.
func (fs *flushScheduler) Run(ctx context.Context) {
	fs.logger.Info("Starting flush scheduler")
	fs.scheduler.Start()

	<-ctx.Done()

	fs.logger.Info("Stopping flush scheduler")
	fs.cancel()
	if err := fs.scheduler.Shutdown(); err != nil {
		fs.logger.WithError(err).Warn("failed to stop flush scheduler")
	}
}
