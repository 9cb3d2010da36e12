package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the full-account reconciliation sweep on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	timeout    time.Duration
	log        *slog.Logger
}

// NewScheduler creates a scheduler. schedule is a standard 5-field cron
// expression (e.g. "30 17 * * 1-5" for 17:30 on weekdays).
func NewScheduler(r *Reconciler, schedule string, timeout time.Duration, log *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:       cron.New(),
		reconciler: r,
		timeout:    timeout,
		log:        log,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.log.Info("reconciliation scheduler started")
	s.cron.Start()
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	outcomes, err := s.reconciler.All(ctx)
	if err != nil {
		s.log.Error("scheduled reconciliation finished with errors", "error", err)
	}
	s.log.Info("scheduled reconciliation complete", "accounts", len(outcomes))
}
