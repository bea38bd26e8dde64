package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopwatch/internal/domain"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/runs"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

type JobSpec struct {
	SuiteID       int64
	EnvironmentID int64
	Workers       int
	Cron          string
	Enabled       bool
}

// next computes the activation after from in the scheduler timezone.
func (s *Service) next(expr string, from time.Time) (time.Time, error) {
	t, err := Next(expr, from.In(s.location()))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// CreateJob validates and persists a job. The expression is checked before
// anything is written.
func (s *Service) CreateJob(ctx context.Context, spec JobSpec) (domain.ScheduledJob, error) {
	expr := strings.TrimSpace(spec.Cron)
	if _, err := Parse(expr); err != nil {
		return domain.ScheduledJob{}, err
	}
	if _, err := s.store.Suite(ctx, spec.SuiteID); err != nil {
		return domain.ScheduledJob{}, notFound("suite", spec.SuiteID, err)
	}
	if _, err := s.store.Environment(ctx, spec.EnvironmentID); err != nil {
		return domain.ScheduledJob{}, notFound("environment", spec.EnvironmentID, err)
	}

	now := s.now()
	job := domain.ScheduledJob{
		SuiteID:       spec.SuiteID,
		EnvironmentID: spec.EnvironmentID,
		Workers:       spec.Workers,
		Cron:          expr,
		Enabled:       spec.Enabled,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	if job.Workers <= 0 {
		job.Workers = DefaultWorkers
	}
	if job.Enabled {
		next, err := s.next(expr, now)
		if err != nil {
			return domain.ScheduledJob{}, err
		}
		job.NextRunAt = &next
	}
	if err := s.store.CreateJob(ctx, &job); err != nil {
		return domain.ScheduledJob{}, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("scheduler.job_created", logx.Int64("job_id", job.ID), logx.String("cron", expr), logx.Bool("enabled", job.Enabled))
	return job, nil
}

// SetEnabled toggles a job. Enabling recomputes next_run_at from now;
// disabling leaves it as it was.
func (s *Service) SetEnabled(ctx context.Context, jobID int64, enabled bool) (domain.ScheduledJob, error) {
	job, err := s.store.Job(ctx, jobID)
	if err != nil {
		return domain.ScheduledJob{}, notFound("job", jobID, err)
	}
	now := s.now()
	if enabled {
		next, err := s.next(job.Cron, now)
		if err != nil {
			return domain.ScheduledJob{}, err
		}
		job.NextRunAt = &next
	}
	job.Enabled = enabled
	job.UpdatedAt = now.UTC()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return domain.ScheduledJob{}, err
	}
	s.log.Info("scheduler.job_toggled", logx.Int64("job_id", jobID), logx.Bool("enabled", enabled))
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context) ([]domain.ScheduledJob, error) {
	return s.store.Jobs(ctx)
}

// RunNow starts a job immediately as a manual run. The schedule is left
// untouched.
func (s *Service) RunNow(ctx context.Context, jobID int64) (int64, error) {
	job, err := s.store.Job(ctx, jobID)
	if err != nil {
		return 0, notFound("job", jobID, err)
	}
	workers := job.Workers
	return s.starter.Start(ctx, runs.StartRequest{
		SuiteID:       job.SuiteID,
		EnvironmentID: job.EnvironmentID,
		Workers:       &workers,
		TriggeredBy:   domain.TriggerManual,
	})
}

type TickReport struct {
	Due     int
	Started int
	Failed  int
}

// Tick fires every enabled job due at now.
func (s *Service) Tick(ctx context.Context, now time.Time) TickReport {
	var rep TickReport
	jobs, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.log.Error("scheduler.tick_failed", logx.Err(err))
		return rep
	}
	rep.Due = len(jobs)
	if rep.Due > 0 {
		s.log.Debug("scheduler.tick", logx.Time("now", now), logx.Int("due", rep.Due))
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, job, now) {
			rep.Started++
		} else {
			rep.Failed++
		}
	}
	return rep
}

func (s *Service) fire(ctx context.Context, job domain.ScheduledJob, now time.Time) bool {
	log := s.log.With(logx.Int64("job_id", job.ID), logx.Int64("suite_id", job.SuiteID), logx.Int64("env_id", job.EnvironmentID))
	workers := job.Workers
	runID, startErr := s.starter.Start(ctx, runs.StartRequest{
		SuiteID:       job.SuiteID,
		EnvironmentID: job.EnvironmentID,
		Workers:       &workers,
		TriggeredBy:   domain.TriggerScheduler,
	})
	ev := eventbus.JobFiredEvent{JobID: job.ID}
	if startErr != nil {
		log.Warn("scheduler.job_start_failed", logx.Err(startErr))
		ev.Err = startErr.Error()
	} else {
		at := now.UTC()
		job.LastRunAt = &at
		job.LastSuiteRunID = &runID
		ev.SuiteRunID = runID
		log.Info("scheduler.job_fired", logx.Int64("suite_run_id", runID))
	}

	next, err := s.next(job.Cron, now)
	if err != nil {
		// An expression that stopped parsing parks the job.
		log.Error("scheduler.job_invalid_cron", logx.String("cron", job.Cron), logx.Err(err))
		job.NextRunAt = nil
	} else {
		job.NextRunAt = &next
	}
	job.UpdatedAt = now.UTC()

	// The run may already be cancelled; the bookkeeping must land anyway.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.UpdateJob(uctx, job); err != nil {
		log.Error("scheduler.job_update_failed", logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicJobFired, Data: ev})
	return startErr == nil
}

func notFound(kind string, id int64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, err)
	}
	return err
}
