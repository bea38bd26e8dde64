package eventbus

import "time"

const (
	TopicSuiteRunStarted  = "suite_run.started"
	TopicSuiteRunFinished = "suite_run.finished"
	TopicAlertCreated     = "alert.created"
	TopicAlertReopened    = "alert.reopened"
	TopicJobFired         = "scheduler.job_fired"

	TopicNotifyQueued  = "notifier.queued"
	TopicNotifyDeduped = "notifier.deduped"
	TopicNotifyDropped = "notifier.dropped"
	TopicNotifySent    = "notifier.sent"
	TopicNotifyFailed  = "notifier.failed"
)

// SuiteRunEvent is the payload of suite_run.* topics.
type SuiteRunEvent struct {
	SuiteRunID    int64
	SuiteID       int64
	SuiteName     string
	EnvironmentID int64
	Environment   string
	TriggeredBy   string
	Status        string
	Total         int
	Success       int
	Failed        int
	Alerts        int
	Duration      time.Duration
}

// AlertEvent is the payload of alert.* topics.
type AlertEvent struct {
	GroupID       int64
	EnvironmentID int64
	SuiteRunID    int64
	BusinessRule  string
	AlertType     string
	Title         string
	RepeatCount   int
	Occurrences   int
}

// JobFiredEvent is published for every job the scheduler tried to start.
type JobFiredEvent struct {
	JobID      int64
	SuiteRunID int64
	Err        string
}

// NotificationEvent is the payload of notifier.* topics.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
