package domain

import "time"

// Environment is a target deployment (staging, production, ...).
// It partitions the alert backlog: groups from different environments never merge.
type Environment struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	Login     string    `json:"login,omitempty"`
	Password  string    `json:"-"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Suite is a named, ordered set of scenarios plus a default worker count.
type Suite struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Workers     int       `json:"workers"`
	Active      bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Scenario is one configured end-to-end check. It is read-only input to the
// browser pipeline and never mutated during a run.
type Scenario struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ListingURLs []string       `json:"listing_urls"`
	Delivery    string         `json:"delivery,omitempty"`
	Payment     string         `json:"payment,omitempty"`
	Flags       map[string]any `json:"flags,omitempty"`
	Active      bool           `json:"is_active"`
}

// ScheduledJob binds a suite and an environment to a cron expression.
type ScheduledJob struct {
	ID             int64      `json:"id"`
	SuiteID        int64      `json:"suite_id"`
	EnvironmentID  int64      `json:"environment_id"`
	Workers        int        `json:"workers"`
	Cron           string     `json:"cron"`
	Enabled        bool       `json:"is_enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastSuiteRunID *int64     `json:"last_suite_run_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SuiteRun is one execution of a Suite against an Environment.
type SuiteRun struct {
	ID              int64          `json:"id"`
	SuiteID         int64          `json:"suite_id"`
	EnvironmentID   int64          `json:"environment_id"`
	Status          SuiteRunStatus `json:"status"`
	TriggeredBy     Trigger        `json:"triggered_by"`
	Workers         int            `json:"workers"`
	TotalScenarios  int            `json:"total_scenarios"`
	SuccessCount    int            `json:"success_count"`
	FailedCount     int            `json:"failed_count"`
	TotalAlerts     int            `json:"total_alerts"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
}

// ScenarioRun is one execution of one Scenario inside a SuiteRun.
type ScenarioRun struct {
	ID            int64      `json:"id"`
	SuiteRunID    int64      `json:"suite_run_id"`
	SuiteID       int64      `json:"suite_id"`
	ScenarioID    int64      `json:"scenario_id"`
	EnvironmentID int64      `json:"environment_id"`
	Status        RunStatus  `json:"status"`
	AlertCount    int        `json:"alert_count"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// AlertGroup is the deduplicated, long-lived record of one recurring alert.
//
// DuplicateOf is a weak lookup reference to a parent group, not ownership.
type AlertGroup struct {
	ID              int64        `json:"id"`
	EnvironmentID   int64        `json:"environment_id"`
	SuiteRunID      int64        `json:"suite_run_id"`
	BusinessRule    BusinessRule `json:"business_rule"`
	AlertType       string       `json:"alert_type"`
	Title           string       `json:"title"`
	Status          AlertStatus  `json:"status"`
	ResolutionType  Resolution   `json:"resolution_type,omitempty"`
	RepeatCount     int          `json:"repeat_count"`
	CleanRunsCount  int          `json:"clean_runs_count"`
	OccurrenceCount int          `json:"occurrence_count"`
	ScenarioIDs     IDList       `json:"scenario_ids"`
	SuiteRunHistory IDList       `json:"suite_run_history"`
	DuplicateOf     *int64       `json:"duplicate_of,omitempty"`
	Notes           string       `json:"notes,omitempty"`
	ClosedBy        string       `json:"closed_by,omitempty"`
	AssignedTo      string       `json:"assigned_to,omitempty"`
	FirstSeenAt     time.Time    `json:"first_seen_at"`
	LastSeenAt      time.Time    `json:"last_seen_at"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty"`
}

// Alert is a single alert raised by one scenario after rule resolution.
type Alert struct {
	BusinessRule BusinessRule `json:"business_rule"`
	AlertType    string       `json:"alert_type"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
}

// Occurrence is one aggregated alert bucket of a suite run: all scenarios
// that raised the same rule.
type Occurrence struct {
	BusinessRule    BusinessRule
	AlertType       string
	Title           string
	ScenarioIDs     IDList
	OccurrenceCount int
}
