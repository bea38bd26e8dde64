package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"shopwatch/internal/domain"
)

// Memory is a Store backed by maps. All returned values are copies.
type Memory struct {
	mu sync.Mutex

	seq          int64
	envs         map[int64]domain.Environment
	suites       map[int64]domain.Suite
	scenarios    map[int64]domain.Scenario
	suiteMembers map[int64][]int64
	jobs         map[int64]domain.ScheduledJob
	suiteRuns    map[int64]domain.SuiteRun
	scenarioRuns map[int64]domain.ScenarioRun
	alerts       map[int64]domain.AlertGroup
}

func NewMemory() *Memory {
	return &Memory{
		envs:         map[int64]domain.Environment{},
		suites:       map[int64]domain.Suite{},
		scenarios:    map[int64]domain.Scenario{},
		suiteMembers: map[int64][]int64{},
		jobs:         map[int64]domain.ScheduledJob{},
		suiteRuns:    map[int64]domain.SuiteRun{},
		scenarioRuns: map[int64]domain.ScenarioRun{},
		alerts:       map[int64]domain.AlertGroup{},
	}
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) Close() error { return nil }

func sortedValues[T any](in map[int64]T) []T {
	keys := slices.Sorted(maps.Keys(in))
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, in[k])
	}
	return out
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func idPtr(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneGroup(g domain.AlertGroup) domain.AlertGroup {
	g.ScenarioIDs = slices.Clone(g.ScenarioIDs)
	g.SuiteRunHistory = slices.Clone(g.SuiteRunHistory)
	g.DuplicateOf = idPtr(g.DuplicateOf)
	g.ClosedAt = timePtr(g.ClosedAt)
	return g
}

func cloneJob(j domain.ScheduledJob) domain.ScheduledJob {
	j.NextRunAt = timePtr(j.NextRunAt)
	j.LastRunAt = timePtr(j.LastRunAt)
	j.LastSuiteRunID = idPtr(j.LastSuiteRunID)
	return j
}

// ---- environments, suites, scenarios ----

func (m *Memory) SaveEnvironment(_ context.Context, e *domain.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == 0 {
		e.ID = m.next()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
	} else if _, ok := m.envs[e.ID]; !ok {
		return ErrNotFound
	}
	m.envs[e.ID] = *e
	return nil
}

func (m *Memory) Environment(_ context.Context, id int64) (domain.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[id]
	if !ok {
		return domain.Environment{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) EnvironmentByName(_ context.Context, name string) (domain.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.envs {
		if e.Name == name {
			return e, nil
		}
	}
	return domain.Environment{}, ErrNotFound
}

func (m *Memory) Environments(context.Context) ([]domain.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.envs), nil
}

func (m *Memory) SaveSuite(_ context.Context, s *domain.Suite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.next()
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
	} else if _, ok := m.suites[s.ID]; !ok {
		return ErrNotFound
	}
	m.suites[s.ID] = *s
	return nil
}

func (m *Memory) Suite(_ context.Context, id int64) (domain.Suite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suites[id]
	if !ok {
		return domain.Suite{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SuiteByName(_ context.Context, name string) (domain.Suite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.suites {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.Suite{}, ErrNotFound
}

func (m *Memory) Suites(context.Context) ([]domain.Suite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.suites), nil
}

func (m *Memory) SaveScenario(_ context.Context, s *domain.Scenario) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.next()
	} else if _, ok := m.scenarios[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	cp.ListingURLs = slices.Clone(s.ListingURLs)
	cp.Flags = maps.Clone(s.Flags)
	m.scenarios[s.ID] = cp
	return nil
}

func (m *Memory) ScenarioByName(_ context.Context, name string) (domain.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.scenarios {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.Scenario{}, ErrNotFound
}

func (m *Memory) SetSuiteScenarios(_ context.Context, suiteID int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	var list []int64
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			list = append(list, id)
		}
	}
	m.suiteMembers[suiteID] = list
	return nil
}

func (m *Memory) SuiteScenarios(_ context.Context, suiteID int64) ([]domain.Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Scenario
	for _, id := range m.suiteMembers[suiteID] {
		if s, ok := m.scenarios[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ---- jobs ----

func (m *Memory) CreateJob(_ context.Context, j *domain.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j.ID = m.next()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	m.jobs[j.ID] = cloneJob(*j)
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, j domain.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Workers = j.Workers
	cur.Cron = j.Cron
	cur.Enabled = j.Enabled
	cur.NextRunAt = timePtr(j.NextRunAt)
	cur.LastRunAt = timePtr(j.LastRunAt)
	cur.LastSuiteRunID = idPtr(j.LastSuiteRunID)
	cur.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID] = cur
	return nil
}

func (m *Memory) Job(_ context.Context, id int64) (domain.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.ScheduledJob{}, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) Jobs(context.Context) ([]domain.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := sortedValues(m.jobs)
	for i := range out {
		out[i] = cloneJob(out[i])
	}
	return out, nil
}

func (m *Memory) DueJobs(_ context.Context, now time.Time) ([]domain.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ScheduledJob
	for _, j := range sortedValues(m.jobs) {
		if j.Enabled && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			out = append(out, cloneJob(j))
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].NextRunAt.Before(*out[k].NextRunAt) })
	return out, nil
}

// ---- runs ----

func (m *Memory) CreateSuiteRun(_ context.Context, r *domain.SuiteRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.next()
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.SuiteRunning
	}
	if r.TriggeredBy == "" {
		r.TriggeredBy = domain.TriggerManual
	}
	m.suiteRuns[r.ID] = *r
	return nil
}

func (m *Memory) finishSuiteRun(r domain.SuiteRun) error {
	cur, ok := m.suiteRuns[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = r.Status
	cur.TotalScenarios = r.TotalScenarios
	cur.SuccessCount = r.SuccessCount
	cur.FailedCount = r.FailedCount
	cur.TotalAlerts = r.TotalAlerts
	cur.FinishedAt = timePtr(r.FinishedAt)
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		cur.DurationSeconds = &d
	}
	m.suiteRuns[r.ID] = cur
	return nil
}

func (m *Memory) FinishSuiteRun(_ context.Context, r domain.SuiteRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishSuiteRun(r)
}

func (m *Memory) SuiteRun(_ context.Context, id int64) (domain.SuiteRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.suiteRuns[id]
	if !ok {
		return domain.SuiteRun{}, ErrNotFound
	}
	r.FinishedAt = timePtr(r.FinishedAt)
	return r, nil
}

func (m *Memory) CancelSuiteRun(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.suiteRuns[id]
	if !ok {
		return ErrNotFound
	}
	dur := at.Sub(r.StartedAt).Seconds()
	r.Status = domain.SuiteCancelled
	r.FinishedAt = &at
	r.DurationSeconds = &dur
	m.suiteRuns[id] = r
	for sid, sr := range m.scenarioRuns {
		if sr.SuiteRunID == id && sr.Status == domain.RunRunning {
			sr.Status = domain.RunCancelled
			sr.FinishedAt = timePtr(&at)
			m.scenarioRuns[sid] = sr
		}
	}
	return nil
}

func (m *Memory) ScenarioRuns(_ context.Context, suiteRunID int64) ([]domain.ScenarioRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ScenarioRun
	for _, r := range sortedValues(m.scenarioRuns) {
		if r.SuiteRunID == suiteRunID {
			r.FinishedAt = timePtr(r.FinishedAt)
			out = append(out, r)
		}
	}
	return out, nil
}

type memSession struct{ m *Memory }

func (m *Memory) Session(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return memSession{m: m}, nil
}

func (s memSession) CreateScenarioRun(_ context.Context, r *domain.ScenarioRun) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r.ID = s.m.next()
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.RunRunning
	}
	s.m.scenarioRuns[r.ID] = *r
	return nil
}

func (s memSession) FinishScenarioRun(_ context.Context, r domain.ScenarioRun) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.scenarioRuns[r.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = r.Status
	cur.AlertCount = r.AlertCount
	cur.FinishedAt = timePtr(r.FinishedAt)
	s.m.scenarioRuns[r.ID] = cur
	return nil
}

func (memSession) Close() error { return nil }

// ---- alert groups ----

func (m *Memory) alertGroups(f AlertFilter) []domain.AlertGroup {
	var out []domain.AlertGroup
	for _, g := range m.alerts {
		if f.match(g) {
			out = append(out, cloneGroup(g))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].LastSeenAt.Equal(out[k].LastSeenAt) {
			return out[i].LastSeenAt.After(out[k].LastSeenAt)
		}
		return out[i].ID > out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *Memory) alertGroup(id int64) (domain.AlertGroup, error) {
	g, ok := m.alerts[id]
	if !ok {
		return domain.AlertGroup{}, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (m *Memory) saveAlertGroup(g *domain.AlertGroup) error {
	if g.ID == 0 {
		g.ID = m.next()
	} else if _, ok := m.alerts[g.ID]; !ok {
		return ErrNotFound
	}
	m.alerts[g.ID] = cloneGroup(*g)
	return nil
}

func (m *Memory) AlertGroup(_ context.Context, id int64) (domain.AlertGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertGroup(id)
}

func (m *Memory) AlertGroups(_ context.Context, f AlertFilter) ([]domain.AlertGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alertGroups(f), nil
}

func (m *Memory) SaveAlertGroup(_ context.Context, g *domain.AlertGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAlertGroup(g)
}

func (m *Memory) CountAlertGroups(_ context.Context, envID int64) (map[domain.AlertStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.AlertStatus]int{}
	for _, g := range m.alerts {
		if envID == 0 || g.EnvironmentID == envID {
			out[g.Status]++
		}
	}
	return out, nil
}

// memTx works on the locked store. Finalize restores the previous alert
// groups and suite runs if fn fails.
type memTx struct{ m *Memory }

func (t memTx) AlertGroups(_ context.Context, f AlertFilter) ([]domain.AlertGroup, error) {
	return t.m.alertGroups(f), nil
}

func (t memTx) AlertGroup(_ context.Context, id int64) (domain.AlertGroup, error) {
	return t.m.alertGroup(id)
}

func (t memTx) SaveAlertGroup(_ context.Context, g *domain.AlertGroup) error {
	return t.m.saveAlertGroup(g)
}

func (t memTx) FinishSuiteRun(_ context.Context, r domain.SuiteRun) error {
	return t.m.finishSuiteRun(r)
}

func (m *Memory) Finalize(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := m.seq
	alerts := make(map[int64]domain.AlertGroup, len(m.alerts))
	for id, g := range m.alerts {
		alerts[id] = cloneGroup(g)
	}
	runs := maps.Clone(m.suiteRuns)
	if err := fn(memTx{m: m}); err != nil {
		m.seq, m.alerts, m.suiteRuns = seq, alerts, runs
		return err
	}
	return nil
}

func (m *Memory) PurgeRuns(_ context.Context, opts PurgeOptions) (PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res PurgeResult
	before := func(t time.Time) bool { return opts.Before.IsZero() || t.Before(opts.Before) }

	for _, r := range sortedValues(m.suiteRuns) {
		if r.Status == domain.SuiteRunning || !before(r.StartedAt) {
			continue
		}
		res.SuiteRunIDs = append(res.SuiteRunIDs, r.ID)
		delete(m.suiteRuns, r.ID)
		for id, sr := range m.scenarioRuns {
			if sr.SuiteRunID == r.ID {
				delete(m.scenarioRuns, id)
				res.ScenarioRuns++
			}
		}
		for id, j := range m.jobs {
			if j.LastSuiteRunID != nil && *j.LastSuiteRunID == r.ID {
				j.LastSuiteRunID = nil
				m.jobs[id] = j
				res.JobsDetached++
			}
		}
	}
	for id, g := range m.alerts {
		if before(g.LastSeenAt) {
			delete(m.alerts, id)
			res.AlertGroups++
		}
	}
	return res, nil
}

var _ Store = (*Memory)(nil)
