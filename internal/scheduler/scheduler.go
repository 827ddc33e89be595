// Package scheduler provides cron-based background job scheduling for ChatLoop.
//
// Its primary job is the periodic expiry sweep that times out idle
// conversation sessions, but arbitrary cron jobs can be registered as well.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatloop/chatloop/internal/flow"
)

// DefaultSweepSpec runs the expiry sweep every five minutes.
const DefaultSweepSpec = "*/5 * * * *"

// DefaultSweepTimeout bounds a single sweep pass.
const DefaultSweepTimeout = 2 * time.Minute

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, logger: logger}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleSweep registers the session expiry sweep on the given cron
// expression. An empty expression uses DefaultSweepSpec.
func (s *Scheduler) ScheduleSweep(expr string, sweeper *flow.Sweeper) error {
	if expr == "" {
		expr = DefaultSweepSpec
	}
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSweepTimeout)
		defer cancel()

		expired, err := sweeper.SweepOnce(ctx)
		if err != nil {
			s.logger.Error("Scheduler: expiry sweep failed", "error", err)
			return
		}
		if expired > 0 {
			s.logger.Info("Scheduler: expiry sweep finished", "expired", expired)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
