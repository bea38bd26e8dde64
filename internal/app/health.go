package app

import (
	"context"
	"time"

	rtsup "shopwatch/internal/runtime/supervisor"
)

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Health is the body of the diag /healthz endpoint.
type Health struct {
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Uptime        string          `json:"uptime,omitempty"`
	RunningRuns   []int64         `json:"running_runs"`
	MaxConcurrent int             `json:"max_concurrent"`
	Scheduler     bool            `json:"scheduler"`
	Notifier      bool            `json:"notifier"`
	Rules         int             `json:"rules"`
	Service       *rtsup.Snapshot `json:"service,omitempty"`
	SuiteRuns     rtsup.Snapshot  `json:"suite_runs"`
}

// Health reports a point-in-time view of the process. It is degraded once a
// supervised service loop failed or storage stops answering.
func (a *App) Health(ctx context.Context) Health {
	h := Health{
		Status:        HealthOK,
		RunningRuns:   a.runs.Running(),
		MaxConcurrent: a.reg.Limit(),
		Scheduler:     a.sched.Enabled(),
		Notifier:      a.notif.Enabled(),
		Rules:         a.rules.Current().Len(),
		SuiteRuns:     a.runSup.Snapshot(),
	}
	if h.RunningRuns == nil {
		h.RunningRuns = []int64{}
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		h.Service = &snap
		h.Uptime = time.Since(a.started).Round(time.Second).String()
		if err := a.sup.Err(); err != nil {
			h.Status, h.Error = HealthDegraded, err.Error()
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := a.store.Environments(pingCtx); err != nil && h.Status == HealthOK {
		h.Status, h.Error = HealthDegraded, "storage: "+err.Error()
	}
	return h
}
