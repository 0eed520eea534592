// Package scheduler runs the periodic maintenance sweeps of IndicatorPipe.
//
// Jobs are registered with cron expressions or fixed intervals; a job that
// is still running when its next tick arrives is skipped rather than stacked.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser plus @every/@hourly descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := cron.VerbosePrintfLogger(slogPrintf{})
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		slog.Debug("Scheduler job started", "job", name)
		task()
		slog.Debug("Scheduler job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		slog.Error("Scheduler.AddJob: invalid schedule", "job", name, "expr", expr, "error", err)
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Info("Scheduler job registered", "job", name, "expr", expr)
	return nil
}

// Every schedules task under name at a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, name)
	}
	return s.AddJob(name, "@every "+interval.String(), task)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogPrintf adapts cron's printf logger to slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf("cron: "+format, args...))
}
