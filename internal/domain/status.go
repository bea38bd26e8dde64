package domain

import (
	"fmt"
	"strings"
)

// BusinessRule is the stable, machine-readable identifier of a defect.
// Raw pipeline strings are converted only through the rules catalog.
type BusinessRule string

func (r BusinessRule) String() string { return string(r) }

type SuiteRunStatus string

const (
	SuiteRunning   SuiteRunStatus = "RUNNING"
	SuiteSuccess   SuiteRunStatus = "SUCCESS"
	SuiteFailed    SuiteRunStatus = "FAILED"
	SuitePartial   SuiteRunStatus = "PARTIAL"
	SuiteCancelled SuiteRunStatus = "CANCELLED"
)

func (s SuiteRunStatus) Terminal() bool { return s != SuiteRunning && s != "" }

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunSkipped   RunStatus = "skipped"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduler Trigger = "scheduler"
)

type AlertStatus string

const (
	AlertOpen               AlertStatus = "OPEN"
	AlertInProgress         AlertStatus = "IN_PROGRESS"
	AlertAwaitingFix        AlertStatus = "AWAITING_FIX"
	AlertAwaitingTestUpdate AlertStatus = "AWAITING_TEST_UPDATE"
	AlertClosed             AlertStatus = "CLOSED"
)

// ActiveStatuses are the statuses the active-match search considers.
var ActiveStatuses = []AlertStatus{AlertOpen, AlertInProgress, AlertAwaitingFix, AlertAwaitingTestUpdate}

func (s AlertStatus) Active() bool {
	switch s {
	case AlertOpen, AlertInProgress, AlertAwaitingFix, AlertAwaitingTestUpdate:
		return true
	}
	return false
}

// Awaiting reports whether the group is parked waiting for a fix or test update.
func (s AlertStatus) Awaiting() bool {
	return s == AlertAwaitingFix || s == AlertAwaitingTestUpdate
}

func ParseAlertStatus(raw string) (AlertStatus, error) {
	s := AlertStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case AlertOpen, AlertInProgress, AlertAwaitingFix, AlertAwaitingTestUpdate, AlertClosed:
		return s, nil
	}
	return "", fmt.Errorf("unknown alert status %q", raw)
}

type Resolution string

const (
	ResolutionBug           Resolution = "BUG"
	ResolutionNeedsDev      Resolution = "NEEDS_DEV"
	ResolutionConfig        Resolution = "CONFIG"
	ResolutionScriptFix     Resolution = "SCRIPT_FIX"
	ResolutionScenarioFix   Resolution = "SCENARIO_FIX"
	ResolutionNAB           Resolution = "NAB"
	ResolutionDuplicate     Resolution = "DUPLICATE"
	ResolutionCantReproduce Resolution = "CANT_REPRODUCE"
)

var resolutionTargets = map[Resolution]AlertStatus{
	ResolutionBug:           AlertAwaitingFix,
	ResolutionNeedsDev:      AlertAwaitingFix,
	ResolutionConfig:        AlertAwaitingFix,
	ResolutionScriptFix:     AlertAwaitingTestUpdate,
	ResolutionScenarioFix:   AlertAwaitingTestUpdate,
	ResolutionNAB:           AlertClosed,
	ResolutionDuplicate:     AlertClosed,
	ResolutionCantReproduce: AlertClosed,
}

// TargetStatus maps a resolution to the status it moves a group into.
func (r Resolution) TargetStatus() (AlertStatus, bool) {
	st, ok := resolutionTargets[r]
	return st, ok
}

// Reopenable reports whether a CLOSED group with this resolution reopens on recurrence.
func (r Resolution) Reopenable() bool {
	return r == ResolutionNAB || r == ResolutionCantReproduce
}

func ParseResolution(raw string) (Resolution, error) {
	r := Resolution(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := resolutionTargets[r]; !ok {
		return "", fmt.Errorf("unknown resolution %q", raw)
	}
	return r, nil
}
