// Package pipeline is the boundary to the browser automation that drives a
// scenario. The orchestrator only sees an Outcome.
package pipeline

import (
	"context"

	"shopwatch/internal/domain"
	"shopwatch/internal/rules"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Outcome is the terminal result of one scenario execution.
type Outcome struct {
	Status Status      `json:"status"`
	Alerts []rules.Raw `json:"alerts,omitempty"`
	// Log is free-form runner output kept for the raw run log.
	Log string `json:"log,omitempty"`
}

type Pipeline interface {
	Run(ctx context.Context, sc domain.Scenario, env domain.Environment) (Outcome, error)
}

// Func adapts a function to Pipeline.
type Func func(ctx context.Context, sc domain.Scenario, env domain.Environment) (Outcome, error)

func (f Func) Run(ctx context.Context, sc domain.Scenario, env domain.Environment) (Outcome, error) {
	return f(ctx, sc, env)
}
