// Package scheduler runs periodic sync passes. A pass that fails is logged
// and retried at the next tick; the scheduler itself never stops on error.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calcheck/internal/syncer"
)

// Scheduler triggers sync passes on a fixed interval.
type Scheduler struct {
	logger *slog.Logger
	syncer *syncer.Syncer
	cron   *cron.Cron

	// wg tracks the immediate startup pass, which runs outside cron.
	wg sync.WaitGroup
}

// New creates a scheduler that runs a sync pass every interval. The interval
// must be at least one minute so a slow pass cannot stack triggers faster
// than the single-flight guard can absorb them.
func New(logger *slog.Logger, s *syncer.Syncer, interval time.Duration) (*Scheduler, error) {
	if interval < time.Minute {
		return nil, fmt.Errorf("sync interval %s too short, minimum is 1m", interval)
	}

	c := cron.New()
	sched := &Scheduler{logger: logger, syncer: s, cron: c}

	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, sched.tick); err != nil {
		return nil, fmt.Errorf("failed to schedule sync: %w", err)
	}
	return sched, nil
}

// Start begins ticking and runs one pass immediately so a freshly started
// process does not wait a full interval for its first sync.
func (s *Scheduler) Start() {
	s.logger.Info("Starting sync scheduler")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tick()
	}()
	s.cron.Start()
}

// Stop halts the ticker and waits for a running pass to finish, including
// the immediate startup pass.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("Sync scheduler stopped")
}

func (s *Scheduler) tick() {
	report := s.syncer.Run(context.Background())
	if report.Skipped {
		return
	}
	if report.Fatal != "" {
		s.logger.Error("Scheduled sync pass failed", "fatal", report.Fatal)
		return
	}
	if len(report.Errors) > 0 {
		s.logger.Warn("Scheduled sync pass finished with event errors", "errors", len(report.Errors))
	}
}
