package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Telegram TelegramConfig  `json:"telegram,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig   `json:"storage"`

	// Registry bounds how many suite runs execute at once, process wide.
	// Changing it requires a restart.
	Registry RegistryConfig `json:"registry,omitempty"`

	Runs      RunsConfig      `json:"runs,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Diag      DiagConfig      `json:"diag,omitempty"`

	// AlertTypes and Rules form the business-rule catalog. Only alerts whose
	// rule is listed (and active) reach the backlog.
	AlertTypes []AlertTypeConfig `json:"alert_types,omitempty"`
	Rules      []RuleConfig      `json:"rules,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file,omitempty"`
	Telegram LoggingTelegram `json:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig configures the outbound bot used for alert triage messages
// and the optional log sink. Token is never logged.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Timeout is a Go duration string for each API call (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async alert notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitting the section disables notifications.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
	// NotifyFinished also reports every finished suite run, not only new alerts.
	NotifyFinished bool `json:"notify_finished,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/shopwatch.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

type RegistryConfig struct {
	// MaxConcurrent defaults to 3.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// RunsConfig holds suite run defaults.
//
// Defaults:
//   - default_workers: 6 (used when a suite has none)
//   - max_workers: 16
//   - log_dir: "./logs"
type RunsConfig struct {
	DefaultWorkers int    `json:"default_workers,omitempty"`
	MaxWorkers     int    `json:"max_workers,omitempty"`
	LogDir         string `json:"log_dir,omitempty"`
}

// SchedulerConfig controls the cron tick.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Tick is a cron spec for the evaluation tick (default "@every 1m").
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// PipelineConfig configures the external browser runner.
type PipelineConfig struct {
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Headless *bool    `json:"headless,omitempty"`
	// Timeout bounds a single scenario (Go duration, "0s" disables).
	Timeout string `json:"timeout,omitempty"`
	// Dir is the working directory of the runner process.
	Dir string `json:"dir,omitempty"`
}

// DiagConfig controls the local health and pprof HTTP server of `serve`.
//
// Example:
//
//	"diag": { "enabled": true, "addr": "127.0.0.1:6060", "pprof": true }
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type AlertTypeConfig struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

// RuleConfig describes one known business rule.
//
// Disable window fields use "2006-01-02" for dates and "15:04" for times.
type RuleConfig struct {
	BusinessRule     string `json:"business_rule"`
	Name             string `json:"name"`
	AlertType        string `json:"alert_type"`
	Description      string `json:"description,omitempty"`
	Active           *bool  `json:"active,omitempty"`
	DisabledFromDate string `json:"disabled_from_date,omitempty"`
	DisabledToDate   string `json:"disabled_to_date,omitempty"`
	DisabledFromTime string `json:"disabled_from_time,omitempty"`
	DisabledToTime   string `json:"disabled_to_time,omitempty"`
}

// BoolOr dereferences an optional bool.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
