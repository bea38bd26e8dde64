package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shopwatch/internal/domain"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

var (
	ErrInvalidResolution = errors.New("alerts: invalid resolution")
	ErrDuplicateTarget   = errors.New("alerts: invalid duplicate target")
	ErrInvalidTransition = errors.New("alerts: invalid status transition")
)

const DefaultListLimit = 200

type Scope string

const (
	ScopeActive Scope = "active"
	ScopeClosed Scope = "closed"
	ScopeAll    Scope = "all"
)

func ParseScope(raw string) (Scope, error) {
	switch s := Scope(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return ScopeActive, nil
	case ScopeActive, ScopeClosed, ScopeAll:
		return s, nil
	}
	return "", fmt.Errorf("unknown scope %q", raw)
}

// Filter selects backlog entries. Statuses, when set, win over Scope.
type Filter struct {
	EnvironmentID int64
	Scope         Scope
	Statuses      []domain.AlertStatus
	Text          string
	Limit         int
}

// List returns groups newest first.
func (e *Engine) List(ctx context.Context, f Filter) ([]domain.AlertGroup, error) {
	sf := storage.AlertFilter{EnvironmentID: f.EnvironmentID, Text: f.Text, Limit: f.Limit}
	switch {
	case len(f.Statuses) > 0:
		sf.Statuses = f.Statuses
	case f.Scope == ScopeClosed:
		sf.Statuses = []domain.AlertStatus{domain.AlertClosed}
	case f.Scope == ScopeAll:
	default:
		sf.Statuses = domain.ActiveStatuses
	}
	if sf.Limit <= 0 {
		sf.Limit = DefaultListLimit
	}
	return e.store.AlertGroups(ctx, sf)
}

func (e *Engine) Get(ctx context.Context, id int64) (domain.AlertGroup, error) {
	return e.store.AlertGroup(ctx, id)
}

type Stats struct {
	ByStatus map[domain.AlertStatus]int `json:"by_status"`
	Active   int                        `json:"active"`
	Total    int                        `json:"total"`
}

// Stats counts groups of one environment, or of all when envID is zero.
func (e *Engine) Stats(ctx context.Context, envID int64) (Stats, error) {
	counts, err := e.store.CountAlertGroups(ctx, envID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: map[domain.AlertStatus]int{}}
	for _, s := range append(append([]domain.AlertStatus{}, domain.ActiveStatuses...), domain.AlertClosed) {
		n := counts[s]
		st.ByStatus[s] = n
		st.Total += n
		if s.Active() {
			st.Active += n
		}
	}
	return st, nil
}

type ResolveRequest struct {
	GroupID     int64
	Resolution  domain.Resolution
	Note        string
	DuplicateOf *int64
	ClosedBy    string
}

// Resolve applies an operator decision. The resolution alone determines the
// new status. A DUPLICATE needs a parent in the same environment and never
// changes the parent.
func (e *Engine) Resolve(ctx context.Context, req ResolveRequest) (domain.AlertGroup, error) {
	target, ok := req.Resolution.TargetStatus()
	if !ok {
		return domain.AlertGroup{}, fmt.Errorf("%w: %q", ErrInvalidResolution, req.Resolution)
	}
	if req.Resolution == domain.ResolutionDuplicate && req.DuplicateOf == nil {
		return domain.AlertGroup{}, fmt.Errorf("%w: duplicate_of is required", ErrDuplicateTarget)
	}

	cur, err := e.store.AlertGroup(ctx, req.GroupID)
	if err != nil {
		return domain.AlertGroup{}, err
	}
	unlock := e.lockEnvironment(cur.EnvironmentID)
	defer unlock()

	var out domain.AlertGroup
	err = e.store.Finalize(ctx, func(tx storage.Tx) error {
		g, err := tx.AlertGroup(ctx, req.GroupID)
		if err != nil {
			return err
		}
		g.DuplicateOf = nil
		if req.Resolution == domain.ResolutionDuplicate {
			parentID := *req.DuplicateOf
			if parentID == g.ID {
				return fmt.Errorf("%w: a group cannot duplicate itself", ErrDuplicateTarget)
			}
			parent, err := tx.AlertGroup(ctx, parentID)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: group %d does not exist", ErrDuplicateTarget, parentID)
			}
			if err != nil {
				return err
			}
			if parent.EnvironmentID != g.EnvironmentID {
				return fmt.Errorf("%w: group %d belongs to another environment", ErrDuplicateTarget, parentID)
			}
			g.DuplicateOf = &parentID
		}

		g.Status = target
		g.ResolutionType = req.Resolution
		if note := strings.TrimSpace(req.Note); note != "" {
			g.Notes = note
		}
		if target == domain.AlertClosed {
			at := e.now().UTC()
			g.ClosedAt = &at
			g.ClosedBy = req.ClosedBy
		} else {
			g.ClosedAt = nil
			g.ClosedBy = ""
		}
		out = g
		return tx.SaveAlertGroup(ctx, &out)
	})
	if err != nil {
		return domain.AlertGroup{}, err
	}
	e.log.Info("alert.resolved",
		logx.Int64("group_id", out.ID),
		logx.String("resolution", string(out.ResolutionType)),
		logx.String("status", string(out.Status)),
		logx.String("by", req.ClosedBy),
	)
	return out, nil
}

// SetInProgress moves an OPEN group to IN_PROGRESS and records who took it.
func (e *Engine) SetInProgress(ctx context.Context, id int64, by string) (domain.AlertGroup, error) {
	cur, err := e.store.AlertGroup(ctx, id)
	if err != nil {
		return domain.AlertGroup{}, err
	}
	unlock := e.lockEnvironment(cur.EnvironmentID)
	defer unlock()

	var out domain.AlertGroup
	err = e.store.Finalize(ctx, func(tx storage.Tx) error {
		g, err := tx.AlertGroup(ctx, id)
		if err != nil {
			return err
		}
		if g.Status != domain.AlertOpen {
			return fmt.Errorf("%w: group %d is %s", ErrInvalidTransition, id, g.Status)
		}
		g.Status = domain.AlertInProgress
		g.AssignedTo = strings.TrimSpace(by)
		out = g
		return tx.SaveAlertGroup(ctx, &out)
	})
	if err != nil {
		return domain.AlertGroup{}, err
	}
	e.log.Info("alert.taken", logx.Int64("group_id", id), logx.String("by", by))
	return out, nil
}
