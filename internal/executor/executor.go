// Package executor runs the scenarios of one suite run and finalizes it.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"shopwatch/internal/alerts"
	"shopwatch/internal/domain"
	"shopwatch/internal/pipeline"
	"shopwatch/internal/rules"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

// Deduper folds the aggregated batch into the alert backlog and runs then
// in the same transaction.
type Deduper interface {
	Finalize(ctx context.Context, b alerts.Batch, then func(ctx context.Context, tx storage.Tx) error) (alerts.Report, error)
}

type Deps struct {
	Store    storage.Store
	Pipeline pipeline.Pipeline
	Rules    *rules.Registry
	Dedup    Deduper
	RunLog   *RunLog
	Log      logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Executor struct {
	store  storage.Store
	pipe   pipeline.Pipeline
	rules  *rules.Registry
	dedup  Deduper
	runlog *RunLog
	log    logx.Logger
	now    func() time.Time
}

func New(d Deps) *Executor {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.RunLog == nil {
		d.RunLog = NewRunLog("")
	}
	if d.Rules == nil {
		d.Rules = rules.NewRegistry(nil)
	}
	return &Executor{
		store:  d.Store,
		pipe:   d.Pipeline,
		rules:  d.Rules,
		dedup:  d.Dedup,
		runlog: d.RunLog,
		log:    d.Log.With(logx.String("comp", "executor")),
		now:    d.Now,
	}
}

// Request is one suite run. Run must already exist in storage as RUNNING.
type Request struct {
	Suite       domain.Suite
	Environment domain.Environment
	Scenarios   []domain.Scenario
	Workers     int
	Run         domain.SuiteRun
}

// ScenarioResult is the outcome of one scenario execution.
type ScenarioResult struct {
	ScenarioID int64
	RunID      int64
	Status     domain.RunStatus
	Alerts     []domain.Alert
}

type Result struct {
	Run       domain.SuiteRun
	Scenarios []ScenarioResult
	Batch     []domain.Occurrence
	Report    alerts.Report
}

// Execute runs every scenario under a local bound of Workers and finalizes
// the suite run. A failing scenario never aborts its siblings. When ctx is
// cancelled the run is recorded as CANCELLED and ctx.Err() is returned.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	workers := req.Workers
	if workers <= 0 {
		workers = 1
	}
	runID := req.Run.ID
	log := e.log.With(
		logx.Int64("suite_run_id", runID),
		logx.String("suite", req.Suite.Name),
		logx.String("env", req.Environment.Name),
	)
	log.Info("suite_run.started", logx.Int("scenarios", len(req.Scenarios)), logx.Int("workers", workers))
	e.note(runID, "SUITE RUN #%d %s @ %s | scenarios: %d | workers: %d",
		runID, req.Suite.Name, req.Environment.Name, len(req.Scenarios), workers)

	results := make([]ScenarioResult, len(req.Scenarios))
	sem := semaphore.NewWeighted(int64(workers))
	var g errgroup.Group
	for i, sc := range req.Scenarios {
		results[i] = ScenarioResult{ScenarioID: sc.ID, Status: domain.RunCancelled}
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			results[i] = e.runScenario(ctx, log, req, sc)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return e.cancel(log, req, results, err)
	}
	return e.finalize(ctx, log, req, results)
}

func (e *Executor) runScenario(ctx context.Context, log logx.Logger, req Request, sc domain.Scenario) ScenarioResult {
	res := ScenarioResult{ScenarioID: sc.ID, Status: domain.RunFailed}
	log = log.With(logx.Int64("scenario_id", sc.ID), logx.String("scenario", sc.Name))

	sess, err := e.store.Session(ctx)
	if err != nil {
		if ctx.Err() != nil {
			res.Status = domain.RunCancelled
			return res
		}
		e.fail(log, req.Run.ID, sc.Name, fmt.Errorf("open session: %w", err), "")
		return res
	}
	defer sess.Close()

	run := domain.ScenarioRun{
		SuiteRunID:    req.Run.ID,
		SuiteID:       req.Suite.ID,
		ScenarioID:    sc.ID,
		EnvironmentID: req.Environment.ID,
		Status:        domain.RunRunning,
		StartedAt:     e.now().UTC(),
	}
	if err := sess.CreateScenarioRun(ctx, &run); err != nil {
		if ctx.Err() != nil {
			res.Status = domain.RunCancelled
			return res
		}
		e.fail(log, req.Run.ID, sc.Name, fmt.Errorf("create scenario run: %w", err), "")
		return res
	}
	res.RunID = run.ID

	out, stack, err := e.invoke(ctx, sc, req.Environment)
	switch {
	case ctx.Err() != nil:
		// The cancellation path marks the row.
		res.Status = domain.RunCancelled
		return res
	case err != nil:
		e.fail(log, req.Run.ID, sc.Name, err, stack)
	default:
		res.Alerts = e.resolve(log, out.Alerts)
		if out.Status == pipeline.StatusSuccess && len(res.Alerts) == 0 {
			res.Status = domain.RunSuccess
		}
		if out.Log != "" {
			e.note(req.Run.ID, "[%s] %s", sc.Name, out.Log)
		}
	}

	fin := e.now().UTC()
	run.Status = res.Status
	run.AlertCount = len(res.Alerts)
	run.FinishedAt = &fin
	if err := sess.FinishScenarioRun(ctx, run); err != nil {
		log.Warn("scenario.finish_failed", logx.Err(err))
	}
	log.Info("scenario.finished", logx.String("status", string(res.Status)), logx.Int("alerts", len(res.Alerts)))
	return res
}

// invoke calls the pipeline and turns a panic into an error with its stack.
func (e *Executor) invoke(ctx context.Context, sc domain.Scenario, env domain.Environment) (out pipeline.Outcome, stack string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			stack = string(debug.Stack())
		}
	}()
	out, err = e.pipe.Run(ctx, sc, env)
	return out, "", err
}

func (e *Executor) resolve(log logx.Logger, raw []rules.Raw) []domain.Alert {
	now := e.now()
	var out []domain.Alert
	for _, r := range raw {
		a, verdict := e.rules.Resolve(r, now)
		if verdict != rules.Accepted {
			log.Debug("alert.ignored", logx.String("business_rule", r.BusinessRule), logx.String("verdict", string(verdict)))
			continue
		}
		out = append(out, a)
	}
	return out
}

func (e *Executor) fail(log logx.Logger, runID int64, scenario string, err error, stack string) {
	log.Error("scenario.failed", logx.Err(err))
	detail := err.Error()
	if stack != "" {
		detail += "\n\n" + stack
	}
	if werr := e.runlog.Failure(runID, scenario, detail); werr != nil {
		log.Warn("runlog.write_failed", logx.Err(werr))
	}
}

func (e *Executor) note(runID int64, format string, args ...any) {
	if err := e.runlog.Line(runID, format, args...); err != nil {
		e.log.Debug("runlog.write_failed", logx.Int64("suite_run_id", runID), logx.Err(err))
	}
}

// Aggregate groups alerts by business rule in first-seen order. Each bucket
// carries the contributing scenarios and the number of alerts.
func Aggregate(results []ScenarioResult) []domain.Occurrence {
	index := map[domain.BusinessRule]int{}
	var out []domain.Occurrence
	for _, r := range results {
		for _, a := range r.Alerts {
			i, ok := index[a.BusinessRule]
			if !ok {
				i = len(out)
				index[a.BusinessRule] = i
				out = append(out, domain.Occurrence{BusinessRule: a.BusinessRule, AlertType: a.AlertType, Title: a.Title})
			}
			out[i].ScenarioIDs = out[i].ScenarioIDs.Union(domain.IDList{r.ScenarioID})
			out[i].OccurrenceCount++
		}
	}
	return out
}

// Status derives the suite run status from scenario counts.
func Status(success, failed int) domain.SuiteRunStatus {
	switch {
	case failed == 0:
		return domain.SuiteSuccess
	case success == 0:
		return domain.SuiteFailed
	default:
		return domain.SuitePartial
	}
}

func (e *Executor) finalize(ctx context.Context, log logx.Logger, req Request, results []ScenarioResult) (Result, error) {
	run := req.Run
	for _, r := range results {
		switch r.Status {
		case domain.RunSuccess:
			run.SuccessCount++
		case domain.RunFailed:
			run.FailedCount++
		}
	}
	batch := Aggregate(results)
	run.TotalScenarios = len(results)
	for _, o := range batch {
		run.TotalAlerts += o.OccurrenceCount
	}
	run.Status = Status(run.SuccessCount, run.FailedCount)
	fin := e.now().UTC()
	run.FinishedAt = &fin
	dur := fin.Sub(run.StartedAt).Seconds()
	run.DurationSeconds = &dur

	report, err := e.dedup.Finalize(ctx, alerts.Batch{
		EnvironmentID: req.Environment.ID,
		SuiteRunID:    run.ID,
		Occurrences:   batch,
		At:            fin,
	}, func(ctx context.Context, tx storage.Tx) error {
		return tx.FinishSuiteRun(ctx, run)
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.cancel(log, req, results, ctx.Err())
		}
		log.Error("suite_run.finalize_failed", logx.Err(err))
		return Result{Run: run, Scenarios: results, Batch: batch}, fmt.Errorf("finalize suite run %d: %w", run.ID, err)
	}

	log.Info("suite_run.finished",
		logx.String("status", string(run.Status)),
		logx.Int("success", run.SuccessCount),
		logx.Int("failed", run.FailedCount),
		logx.Int("alerts", run.TotalAlerts),
		logx.Int("rules", len(batch)),
		logx.Float64("duration_s", dur),
	)
	e.note(run.ID, "COMPLETED %s | success: %d | failed: %d | alerts: %d (%d unique rules) | %.1fs",
		run.Status, run.SuccessCount, run.FailedCount, run.TotalAlerts, len(batch), dur)
	return Result{Run: run, Scenarios: results, Batch: batch, Report: report}, nil
}

func (e *Executor) cancel(log logx.Logger, req Request, results []ScenarioResult, cause error) (Result, error) {
	// The run context is gone; bookkeeping gets its own bounded context.
	bctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	at := e.now().UTC()
	if err := e.store.CancelSuiteRun(bctx, req.Run.ID, at); err != nil {
		log.Error("suite_run.cancel_record_failed", logx.Err(err))
	}
	run := req.Run
	run.Status = domain.SuiteCancelled
	run.FinishedAt = &at
	for _, r := range results {
		switch r.Status {
		case domain.RunSuccess:
			run.SuccessCount++
		case domain.RunFailed:
			run.FailedCount++
		}
	}
	log.Info("suite_run.cancelled", logx.Int("success", run.SuccessCount), logx.Int("failed", run.FailedCount))
	e.note(run.ID, "CANCELLED")
	return Result{Run: run, Scenarios: results}, cause
}
