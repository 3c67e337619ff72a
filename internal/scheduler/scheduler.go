// Package scheduler drives periodic queue processing on a cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"flowline/internal/engine"
	"flowline/pkg/schema"
)

// DefaultSchedule runs a processing pass every minute, matching the queue's
// minute-level execute_at resolution.
const DefaultSchedule = "* * * * *"

// Runner is the slice of the processor the scheduler drives.
type Runner interface {
	Run(ctx context.Context) (*engine.RunResult, error)
}

// Scheduler ticks the queue processor. Overlapping passes are skipped, not
// queued: if a pass outlives the interval the next tick is dropped.
type Scheduler struct {
	cron        *cron.Cron
	runner      Runner
	logger      *slog.Logger
	schedule    string
	tickTimeout time.Duration
}

// New creates a Scheduler that runs the given runner on a standard 5-field
// cron schedule.
func New(runner Runner, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid tick schedule %q: %s", schedule, err.Error()).WithCause(err)
	}

	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
		runner:      runner,
		logger:      logger,
		schedule:    schedule,
		tickTimeout: 5 * time.Minute,
	}, nil
}

// Start begins ticking. The base context bounds every pass and stops the
// scheduler when cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.tick(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts ticking and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.runner.Run(tickCtx)
	if err != nil {
		s.logger.ErrorContext(tickCtx, "processing pass failed", "error", err)
		return
	}
	if result.Processed > 0 {
		s.logger.InfoContext(tickCtx, "processing pass finished",
			"processed", result.Processed,
			"duration", time.Since(start).Round(time.Millisecond).String())
	}
}
