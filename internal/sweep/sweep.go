// Package sweep schedules the bus's periodic background jobs: reaping
// stale pending requests and, in debug builds, re-running the registry
// consistency checks outside the mutation path that normally triggers
// them. Grounded on the teacher's PluginScheduler
// (api/internal/plugins/scheduler.go): one shared cron.Cron instance,
// jobs wrapped with panic recovery, removable by name.
package sweep

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/streamspace-dev/qihub/internal/bus"
	"github.com/streamspace-dev/qihub/internal/logx"
)

// Scheduler owns the cron instance backing a single Bus's periodic jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobIDs map[string]cron.EntryID
}

// New returns a Scheduler with no jobs registered. Call Start to begin
// running.
func New() *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		jobIDs: make(map[string]cron.EntryID),
	}
}

// ScheduleStalePendingSweep registers a job that reaps pending requests
// older than maxAge on the given cron expression (e.g. "*/1 * * * *" for
// once a minute).
func (s *Scheduler) ScheduleStalePendingSweep(b *bus.Bus, cronExpr string, maxAge time.Duration) error {
	return s.schedule("stale-pending-sweep", cronExpr, func() {
		reaped := b.SweepStalePending(maxAge)
		if reaped > 0 {
			logx.Bus().Info().Int("reaped", reaped).Msg("swept stale pending requests")
		}
	})
}

// ScheduleConsistencyCheck registers a debug-only consistency check job.
// Outside debug builds, CheckConsistency is a no-op, so this job is
// harmless but pointless to schedule in production; callers typically
// gate the call site on a build tag or config flag instead of omitting
// it here.
func (s *Scheduler) ScheduleConsistencyCheck(b *bus.Bus, cronExpr string) error {
	return s.schedule("consistency-check", cronExpr, func() {
		b.Connections().CheckConsistency()
		b.Handlers().CheckConsistency()
	})
}

func (s *Scheduler) schedule(name, cronExpr string, job func()) error {
	if existing, ok := s.jobIDs[name]; ok {
		s.cron.Remove(existing)
		delete(s.jobIDs, name)
	}

	wrapped := func() {
		defer func() {
			if r := recover(); r != nil {
				logx.Bus().Error().Interface("panic", r).Str("job", name).Msg("scheduled job panicked")
			}
		}()
		job()
	}

	entryID, err := s.cron.AddFunc(cronExpr, wrapped)
	if err != nil {
		return fmt.Errorf("sweep: failed to schedule %s: %w", name, err)
	}
	s.jobIDs[name] = entryID
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
