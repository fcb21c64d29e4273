package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"discord-archiver/scanner"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// refreshTimeout bounds a single scheduled counter refresh.
const refreshTimeout = 30 * time.Minute

// CounterRefresher recomputes archive counters.
type CounterRefresher interface {
	RefreshCounters(ctx context.Context) error
}

// Scheduler periodically refreshes archive counters.
type Scheduler struct {
	cron    *cron.Cron
	refresh CounterRefresher
	log     *zap.Logger
}

// NewScheduler schedules refresh on a cron schedule. An empty schedule yields a scheduler that does nothing.
func NewScheduler(schedule string, refresh CounterRefresher, log *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{refresh: refresh, log: log.Named("scheduler")}
	if schedule == "" {
		s.log.Info("No refresh schedule configured, counters are only computed by the startup crawl.")
		return s, nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("could not set up cron job %q: %w", schedule, err)
	}
	return s, nil
}

// run performs one scheduled refresh. It is skipped while a crawl is running.
func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	s.log.Info("Running scheduled counter refresh...")
	err := s.refresh.RefreshCounters(ctx)
	switch {
	case errors.Is(err, scanner.ErrBusy):
		s.log.Info("Skipping counter refresh, crawl in progress")
	case err != nil:
		s.log.Error("Counter refresh failed", zap.Error(err))
	}
}

// Start starts the cron jobs.
func (s *Scheduler) Start() {
	if s.cron == nil {
		return
	}
	s.cron.Start()
	s.log.Info("Counter refresh scheduled.", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops the cron jobs and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped.")
}
