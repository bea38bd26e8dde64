package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopwatch/internal/domain"
	logx "shopwatch/pkg/logx"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	MaxConns    int
}

// AlertFilter selects alert groups. Zero fields match everything.
// Results are ordered by last_seen_at, newest first.
type AlertFilter struct {
	EnvironmentID int64
	BusinessRule  domain.BusinessRule
	Statuses      []domain.AlertStatus
	// Text is matched case-insensitively against business_rule and title.
	Text  string
	Limit int
}

func (f AlertFilter) match(g domain.AlertGroup) bool {
	if f.EnvironmentID != 0 && g.EnvironmentID != f.EnvironmentID {
		return false
	}
	if f.BusinessRule != "" && g.BusinessRule != f.BusinessRule {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if g.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Text)); q != "" {
		if !strings.Contains(strings.ToLower(string(g.BusinessRule)), q) &&
			!strings.Contains(strings.ToLower(g.Title), q) {
			return false
		}
	}
	return true
}

// PurgeOptions selects the run data removed by PurgeRuns. A zero Before
// removes everything.
type PurgeOptions struct {
	Before time.Time
}

type PurgeResult struct {
	SuiteRunIDs  []int64
	ScenarioRuns int
	AlertGroups  int
	JobsDetached int
}

// Store is the persistence API of the orchestrator.
type Store interface {
	SaveEnvironment(ctx context.Context, e *domain.Environment) error
	Environment(ctx context.Context, id int64) (domain.Environment, error)
	EnvironmentByName(ctx context.Context, name string) (domain.Environment, error)
	Environments(ctx context.Context) ([]domain.Environment, error)

	SaveSuite(ctx context.Context, s *domain.Suite) error
	Suite(ctx context.Context, id int64) (domain.Suite, error)
	SuiteByName(ctx context.Context, name string) (domain.Suite, error)
	Suites(ctx context.Context) ([]domain.Suite, error)
	SaveScenario(ctx context.Context, s *domain.Scenario) error
	ScenarioByName(ctx context.Context, name string) (domain.Scenario, error)
	// SetSuiteScenarios replaces the ordered scenario list of a suite.
	SetSuiteScenarios(ctx context.Context, suiteID int64, scenarioIDs []int64) error
	// SuiteScenarios returns the suite's scenarios in order, inactive included.
	SuiteScenarios(ctx context.Context, suiteID int64) ([]domain.Scenario, error)

	CreateJob(ctx context.Context, j *domain.ScheduledJob) error
	UpdateJob(ctx context.Context, j domain.ScheduledJob) error
	Job(ctx context.Context, id int64) (domain.ScheduledJob, error)
	Jobs(ctx context.Context) ([]domain.ScheduledJob, error)
	// DueJobs returns enabled jobs with next_run_at <= now.
	DueJobs(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error)

	CreateSuiteRun(ctx context.Context, r *domain.SuiteRun) error
	FinishSuiteRun(ctx context.Context, r domain.SuiteRun) error
	SuiteRun(ctx context.Context, id int64) (domain.SuiteRun, error)
	// CancelSuiteRun marks the run and its running scenario runs CANCELLED.
	CancelSuiteRun(ctx context.Context, id int64, at time.Time) error
	ScenarioRuns(ctx context.Context, suiteRunID int64) ([]domain.ScenarioRun, error)

	// Session opens an isolated handle for one scenario execution.
	Session(ctx context.Context) (Session, error)
	// Finalize runs fn in one transaction.
	Finalize(ctx context.Context, fn func(tx Tx) error) error

	AlertGroup(ctx context.Context, id int64) (domain.AlertGroup, error)
	AlertGroups(ctx context.Context, f AlertFilter) ([]domain.AlertGroup, error)
	SaveAlertGroup(ctx context.Context, g *domain.AlertGroup) error
	CountAlertGroups(ctx context.Context, envID int64) (map[domain.AlertStatus]int, error)

	// PurgeRuns deletes run data and keeps configuration entities.
	PurgeRuns(ctx context.Context, opts PurgeOptions) (PurgeResult, error)
	Close() error
}

// Session is used by exactly one scenario execution.
type Session interface {
	CreateScenarioRun(ctx context.Context, r *domain.ScenarioRun) error
	FinishScenarioRun(ctx context.Context, r domain.ScenarioRun) error
	Close() error
}

// Tx is the view of the store available inside Finalize.
type Tx interface {
	AlertGroups(ctx context.Context, f AlertFilter) ([]domain.AlertGroup, error)
	AlertGroup(ctx context.Context, id int64) (domain.AlertGroup, error)
	// SaveAlertGroup inserts when g.ID is zero and updates otherwise.
	SaveAlertGroup(ctx context.Context, g *domain.AlertGroup) error
	FinishSuiteRun(ctx context.Context, r domain.SuiteRun) error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
