// Package runs is the single entry point that turns a (suite, environment)
// request into an admitted suite run. Manual triggers and the scheduler both
// go through Service.Start.
package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shopwatch/internal/domain"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/executor"
	"shopwatch/internal/registry"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

const (
	DefaultWorkers = 6
	MaxWorkers     = 16
)

var ErrNotFound = errors.New("runs: not found")

type Executor interface {
	Execute(ctx context.Context, req executor.Request) (executor.Result, error)
}

type Config struct {
	// DefaultWorkers applies when neither the request nor the suite sets one.
	DefaultWorkers int
	MaxWorkers     int
}

func (c Config) withDefaults() Config {
	if c.DefaultWorkers <= 0 {
		c.DefaultWorkers = DefaultWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = MaxWorkers
	}
	if c.DefaultWorkers > c.MaxWorkers {
		c.DefaultWorkers = c.MaxWorkers
	}
	return c
}

type Deps struct {
	Store    storage.Store
	Registry *registry.Registry
	Executor Executor
	RunLog   *executor.RunLog
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

type Service struct {
	cfg    Config
	store  storage.Store
	reg    *registry.Registry
	exec   Executor
	runlog *executor.RunLog
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, d Deps) *Service {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.RunLog == nil {
		d.RunLog = executor.NewRunLog("")
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  d.Store,
		reg:    d.Registry,
		exec:   d.Executor,
		runlog: d.RunLog,
		bus:    d.Bus,
		log:    d.Log.With(logx.String("comp", "runs")),
		now:    d.Now,
	}
}

// StartRequest asks for one suite run. A nil Workers falls back to the
// suite default.
type StartRequest struct {
	SuiteID       int64
	EnvironmentID int64
	Workers       *int
	TriggeredBy   domain.Trigger
}

// Start admits a suite run and returns its id without waiting for it.
// A full registry yields *registry.ErrCapacity.
func (s *Service) Start(ctx context.Context, req StartRequest) (int64, error) {
	if err := s.reg.CheckCapacity(); err != nil {
		return 0, err
	}

	suite, err := s.store.Suite(ctx, req.SuiteID)
	if err != nil {
		return 0, s.lookupErr("suite", req.SuiteID, err)
	}
	env, err := s.store.Environment(ctx, req.EnvironmentID)
	if err != nil {
		return 0, s.lookupErr("environment", req.EnvironmentID, err)
	}
	all, err := s.store.SuiteScenarios(ctx, suite.ID)
	if err != nil {
		return 0, fmt.Errorf("load scenarios of suite %d: %w", suite.ID, err)
	}
	scenarios := make([]domain.Scenario, 0, len(all))
	for _, sc := range all {
		if sc.Active {
			scenarios = append(scenarios, sc)
		}
	}

	trigger := req.TriggeredBy
	if trigger == "" {
		trigger = domain.TriggerManual
	}
	workers := s.Workers(req.Workers, suite)

	run := domain.SuiteRun{
		SuiteID:        suite.ID,
		EnvironmentID:  env.ID,
		Status:         domain.SuiteRunning,
		TriggeredBy:    trigger,
		Workers:        workers,
		TotalScenarios: len(scenarios),
		StartedAt:      s.now().UTC(),
	}
	if err := s.store.CreateSuiteRun(ctx, &run); err != nil {
		return 0, fmt.Errorf("create suite run: %w", err)
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.TopicSuiteRunStarted, Data: eventbus.SuiteRunEvent{
		SuiteRunID:    run.ID,
		SuiteID:       suite.ID,
		SuiteName:     suite.Name,
		EnvironmentID: env.ID,
		Environment:   env.Name,
		TriggeredBy:   string(trigger),
		Status:        string(run.Status),
		Total:         len(scenarios),
	}})

	xreq := executor.Request{Suite: suite, Environment: env, Scenarios: scenarios, Workers: workers, Run: run}
	if err := s.reg.Submit(run.ID, s.unit(xreq)); err != nil {
		failed := s.reject(run, err)
		s.publishFinished(xreq, executor.Result{Run: failed})
		return 0, err
	}

	s.log.Info("suite_run.started",
		logx.Int64("suite_run_id", run.ID),
		logx.String("suite", suite.Name),
		logx.String("env", env.Name),
		logx.String("triggered_by", string(trigger)),
		logx.Int("scenarios", len(scenarios)),
		logx.Int("workers", workers),
	)
	return run.ID, nil
}

// Workers resolves the worker count: override, then suite default, then
// the configured default, clamped to [1, MaxWorkers].
func (s *Service) Workers(override *int, suite domain.Suite) int {
	n := s.cfg.DefaultWorkers
	switch {
	case override != nil:
		n = *override
	case suite.Workers > 0:
		n = suite.Workers
	}
	return min(max(n, 1), s.cfg.MaxWorkers)
}

func (s *Service) lookupErr(kind string, id int64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s %d", ErrNotFound, kind, id)
	}
	return fmt.Errorf("load %s %d: %w", kind, id, err)
}

// reject finishes run as FAILED and returns the recorded row.
func (s *Service) reject(run domain.SuiteRun, cause error) domain.SuiteRun {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fin := s.now().UTC()
	run.Status = domain.SuiteFailed
	run.FinishedAt = &fin
	if err := s.store.FinishSuiteRun(ctx, run); err != nil {
		s.log.Error("suite_run.reject_record_failed", logx.Int64("suite_run_id", run.ID), logx.Err(err))
	}
	s.log.Warn("suite_run.failed", logx.Int64("suite_run_id", run.ID), logx.Err(cause))
	return run
}

func (s *Service) unit(req executor.Request) registry.Unit {
	return func(ctx context.Context) error {
		res, err := s.exec.Execute(ctx, req)
		if err != nil && ctx.Err() == nil {
			// Finalization failed; do not leave the row RUNNING.
			res.Run = s.reject(req.Run, err)
		}
		s.publishFinished(req, res)
		return err
	}
}

func (s *Service) publishFinished(req executor.Request, res executor.Result) {
	ev := eventbus.SuiteRunEvent{
		SuiteRunID:    req.Run.ID,
		SuiteID:       req.Suite.ID,
		SuiteName:     req.Suite.Name,
		EnvironmentID: req.Environment.ID,
		Environment:   req.Environment.Name,
		TriggeredBy:   string(req.Run.TriggeredBy),
		Status:        string(res.Run.Status),
		Total:         len(req.Scenarios),
		Success:       res.Run.SuccessCount,
		Failed:        res.Run.FailedCount,
		Alerts:        res.Run.TotalAlerts,
	}
	if res.Run.FinishedAt != nil {
		ev.Duration = res.Run.FinishedAt.Sub(req.Run.StartedAt)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicSuiteRunFinished, Data: ev})
}

// Cancel requests cooperative cancellation of a live run.
func (s *Service) Cancel(runID int64) bool {
	return s.reg.Cancel(runID)
}

func (s *Service) Running() []int64 { return s.reg.Running() }

// Wait blocks until runID is no longer tracked.
func (s *Service) Wait(ctx context.Context, runID int64) error {
	return s.reg.Wait(ctx, runID)
}

type StatusView struct {
	Run       domain.SuiteRun      `json:"run"`
	Live      bool                 `json:"live"`
	Scenarios []domain.ScenarioRun `json:"scenarios"`
}

func (s *Service) Status(ctx context.Context, runID int64) (StatusView, error) {
	run, err := s.store.SuiteRun(ctx, runID)
	if err != nil {
		return StatusView{}, s.lookupErr("suite run", runID, err)
	}
	scs, err := s.store.ScenarioRuns(ctx, runID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Run: run, Live: s.reg.IsRunning(runID), Scenarios: scs}, nil
}

type PurgeOptions struct {
	Before   time.Time
	KeepLogs bool
}

type PurgeReport struct {
	storage.PurgeResult
	LogsRemoved int
}

// Purge deletes run data and, unless KeepLogs is set, the raw run logs of
// the deleted runs. Configuration entities are kept.
func (s *Service) Purge(ctx context.Context, opts PurgeOptions) (PurgeReport, error) {
	res, err := s.store.PurgeRuns(ctx, storage.PurgeOptions{Before: opts.Before})
	if err != nil {
		return PurgeReport{}, err
	}
	rep := PurgeReport{PurgeResult: res}
	if !opts.KeepLogs {
		n, err := s.runlog.Remove(res.SuiteRunIDs)
		rep.LogsRemoved = n
		if err != nil {
			s.log.Warn("runs.purge_logs_failed", logx.Err(err))
		}
	}
	s.log.Info("runs.purged",
		logx.Int("suite_runs", len(res.SuiteRunIDs)),
		logx.Int("scenario_runs", res.ScenarioRuns),
		logx.Int("alert_groups", res.AlertGroups),
		logx.Int("logs", rep.LogsRemoved),
	)
	return rep, nil
}
