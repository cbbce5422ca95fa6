// Package daemon implements the periodic re-sync loop used by watch mode.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MinInterval is the shortest accepted watch interval.
const MinInterval = time.Minute

// RunFunc performs one complete sync run. Each call builds its own
// per-run state.
type RunFunc func(ctx context.Context, iteration int) error

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval time.Duration // time between run starts
	// MaxRuns stops the loop after this many runs; 0 means unlimited.
	MaxRuns int
}

// Validate rejects intervals below MinInterval.
func (c SchedulerConfig) Validate() error {
	if c.Interval < MinInterval {
		return fmt.Errorf("watch interval %s is below minimum %s", c.Interval, MinInterval)
	}
	if c.MaxRuns < 0 {
		return fmt.Errorf("max runs must not be negative")
	}
	return nil
}

// Scheduler repeats a sync run on a ticker until its context is canceled.
// Runs never overlap: ticks that arrive during a run are coalesced.
type Scheduler struct {
	config SchedulerConfig
	run    RunFunc
	logger *zap.Logger
	runs   int
	failed int
}

// NewScheduler creates a new scheduler.
func NewScheduler(config SchedulerConfig, run RunFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{config: config, run: run, logger: logger}
}

// Run executes immediately, then once per interval.
// This blocks until context is canceled or MaxRuns is reached.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("watch mode started", zap.Duration("interval", s.config.Interval))

	if s.runOnce(ctx) {
		return nil
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watch mode stopping", zap.Int("runs", s.runs), zap.Int("failed", s.failed))
			return ctx.Err()

		case <-ticker.C:
			if s.runOnce(ctx) {
				return nil
			}
		}
	}
}

// runOnce executes one run and reports whether the loop is done.
func (s *Scheduler) runOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.runs++
	start := time.Now()
	err := s.run(ctx, s.runs)
	switch {
	case err == nil:
		s.logger.Info("scheduled run finished", zap.Int("iteration", s.runs), zap.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
		s.logger.Info("scheduled run interrupted", zap.Int("iteration", s.runs))
	default:
		s.failed++
		s.logger.Error("scheduled run failed", zap.Int("iteration", s.runs), zap.Error(err))
	}
	return s.config.MaxRuns > 0 && s.runs >= s.config.MaxRuns
}

// Runs returns how many runs have started.
func (s *Scheduler) Runs() int {
	return s.runs
}

// Failed returns how many runs returned an error.
func (s *Scheduler) Failed() int {
	return s.failed
}
