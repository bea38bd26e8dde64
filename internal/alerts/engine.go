// Package alerts maintains the deduplicated alert backlog.
//
// Every finished suite run hands its aggregated occurrences to Engine. For
// each occurrence the engine decides, in this order, whether it continues an
// active group, feeds a closed duplicate whose parent is being fixed,
// reopens a group closed as not-a-bug or not reproducible, or opens a new
// group. Active groups whose rule was absent from the run count one more
// clean run. Nothing is ever closed automatically.
package alerts

import (
	"context"
	"sync"
	"time"

	"shopwatch/internal/domain"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

// Batch is the aggregated alert output of one suite run.
type Batch struct {
	EnvironmentID int64
	SuiteRunID    int64
	Occurrences   []domain.Occurrence
	At            time.Time
}

// Outcome is the decision taken for one occurrence.
type Outcome string

const (
	Matched   Outcome = "matched"
	Duplicate Outcome = "duplicate"
	Reopened  Outcome = "reopened"
	Created   Outcome = "created"
)

type Decision struct {
	Outcome      Outcome
	BusinessRule domain.BusinessRule
	Group        domain.AlertGroup
}

type Report struct {
	Decisions []Decision
	// CleanRuns is the number of active groups whose clean run count grew.
	CleanRuns int
}

func (r Report) Count(o Outcome) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Outcome == o {
			n++
		}
	}
	return n
}

type Engine struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func NewEngine(store storage.Store, bus eventbus.Bus, log logx.Logger) *Engine {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Engine{
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "alerts")),
		now:   time.Now,
		locks: map[int64]*sync.Mutex{},
	}
}

// lockEnvironment serializes backlog mutations of one environment.
func (e *Engine) lockEnvironment(envID int64) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[envID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[envID] = mu
	}
	e.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Finalize applies b and then runs then in one transaction, holding the
// environment lock. Events are published after commit.
func (e *Engine) Finalize(ctx context.Context, b Batch, then func(ctx context.Context, tx storage.Tx) error) (Report, error) {
	unlock := e.lockEnvironment(b.EnvironmentID)
	defer unlock()

	var rep Report
	err := e.store.Finalize(ctx, func(tx storage.Tx) error {
		r, err := e.Process(ctx, tx, b)
		if err != nil {
			return err
		}
		rep = r
		if then != nil {
			return then(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	e.publish(b, rep)
	return rep, nil
}

// Process folds b into the backlog through tx. Callers must hold the
// environment lock; Finalize does.
func (e *Engine) Process(ctx context.Context, tx storage.Tx, b Batch) (Report, error) {
	now := b.At
	if now.IsZero() {
		now = e.now()
	}
	now = now.UTC()

	before, err := tx.AlertGroups(ctx, storage.AlertFilter{
		EnvironmentID: b.EnvironmentID,
		Statuses:      domain.ActiveStatuses,
	})
	if err != nil {
		return Report{}, err
	}

	var rep Report
	seen := make(map[domain.BusinessRule]bool, len(b.Occurrences))
	for _, occ := range b.Occurrences {
		seen[occ.BusinessRule] = true
		d, err := e.apply(ctx, tx, b, occ, now)
		if err != nil {
			return Report{}, err
		}
		rep.Decisions = append(rep.Decisions, d)
		e.log.Debug("alert."+string(d.Outcome),
			logx.Int64("group_id", d.Group.ID),
			logx.String("business_rule", string(occ.BusinessRule)),
			logx.Int64("env_id", b.EnvironmentID),
			logx.Int("repeat_count", d.Group.RepeatCount),
		)
	}

	for _, g := range before {
		if seen[g.BusinessRule] {
			continue
		}
		g.CleanRunsCount++
		if err := tx.SaveAlertGroup(ctx, &g); err != nil {
			return Report{}, err
		}
		rep.CleanRuns++
	}
	return rep, nil
}

func (e *Engine) apply(ctx context.Context, tx storage.Tx, b Batch, occ domain.Occurrence, now time.Time) (Decision, error) {
	d := Decision{BusinessRule: occ.BusinessRule}

	active, err := tx.AlertGroups(ctx, storage.AlertFilter{
		EnvironmentID: b.EnvironmentID,
		BusinessRule:  occ.BusinessRule,
		Statuses:      domain.ActiveStatuses,
	})
	if err != nil {
		return d, err
	}
	for _, g := range active {
		if g.ScenarioIDs.Nested(occ.ScenarioIDs) {
			recur(&g, b, occ, now)
			d.Outcome, d.Group = Matched, g
			return d, tx.SaveAlertGroup(ctx, &d.Group)
		}
	}

	closed, err := tx.AlertGroups(ctx, storage.AlertFilter{
		EnvironmentID: b.EnvironmentID,
		BusinessRule:  occ.BusinessRule,
		Statuses:      []domain.AlertStatus{domain.AlertClosed},
	})
	if err != nil {
		return d, err
	}
	for _, g := range closed {
		if g.ResolutionType != domain.ResolutionDuplicate || g.DuplicateOf == nil || !g.ScenarioIDs.Overlaps(occ.ScenarioIDs) {
			continue
		}
		parent, err := tx.AlertGroup(ctx, *g.DuplicateOf)
		if err != nil || !parent.Status.Awaiting() {
			continue
		}
		recur(&g, b, occ, now)
		d.Outcome, d.Group = Duplicate, g
		return d, tx.SaveAlertGroup(ctx, &d.Group)
	}

	// closed is ordered by last_seen_at, newest first.
	for _, g := range closed {
		if !g.ResolutionType.Reopenable() {
			continue
		}
		recur(&g, b, occ, now)
		g.Status = domain.AlertOpen
		g.ClosedAt = nil
		d.Outcome, d.Group = Reopened, g
		return d, tx.SaveAlertGroup(ctx, &d.Group)
	}

	g := domain.AlertGroup{
		EnvironmentID:   b.EnvironmentID,
		SuiteRunID:      b.SuiteRunID,
		BusinessRule:    occ.BusinessRule,
		AlertType:       occ.AlertType,
		Title:           occ.Title,
		Status:          domain.AlertOpen,
		RepeatCount:     1,
		OccurrenceCount: occ.OccurrenceCount,
		ScenarioIDs:     occ.ScenarioIDs.Union(nil),
		SuiteRunHistory: domain.IDList{b.SuiteRunID},
		FirstSeenAt:     now,
		LastSeenAt:      now,
	}
	d.Outcome, d.Group = Created, g
	return d, tx.SaveAlertGroup(ctx, &d.Group)
}

// recur records one more occurrence on g. Status is left alone.
func recur(g *domain.AlertGroup, b Batch, occ domain.Occurrence, now time.Time) {
	g.ScenarioIDs = g.ScenarioIDs.Union(occ.ScenarioIDs)
	g.RepeatCount++
	g.CleanRunsCount = 0
	g.LastSeenAt = now
	g.SuiteRunID = b.SuiteRunID
	g.SuiteRunHistory = g.SuiteRunHistory.Append(b.SuiteRunID)
	g.OccurrenceCount = occ.OccurrenceCount
}

func (e *Engine) publish(b Batch, rep Report) {
	for _, d := range rep.Decisions {
		var topic string
		switch d.Outcome {
		case Created:
			topic = eventbus.TopicAlertCreated
		case Reopened:
			topic = eventbus.TopicAlertReopened
		default:
			continue
		}
		e.bus.Publish(eventbus.Event{Type: topic, Data: eventbus.AlertEvent{
			GroupID:       d.Group.ID,
			EnvironmentID: b.EnvironmentID,
			SuiteRunID:    b.SuiteRunID,
			BusinessRule:  string(d.Group.BusinessRule),
			AlertType:     d.Group.AlertType,
			Title:         d.Group.Title,
			RepeatCount:   d.Group.RepeatCount,
			Occurrences:   d.Group.OccurrenceCount,
		}})
	}
}
