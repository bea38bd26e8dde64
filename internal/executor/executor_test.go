package executor

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"shopwatch/internal/alerts"
	"shopwatch/internal/config"
	"shopwatch/internal/domain"
	"shopwatch/internal/pipeline"
	"shopwatch/internal/rules"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	store  *storage.Memory
	exec   *Executor
	runlog *RunLog
	env    domain.Environment
	suite  domain.Suite
}

func newHarness(t *testing.T, pipe pipeline.Pipeline) *harness {
	t.Helper()
	cat, err := rules.Build(
		[]config.AlertTypeConfig{{Slug: "bug", Name: "Bug"}},
		[]config.RuleConfig{
			{BusinessRule: "cart.add_failed", Name: "Add to cart failed", AlertType: "bug"},
			{BusinessRule: "payment.timeout", Name: "Payment timeout", AlertType: "bug"},
		},
	)
	require.NoError(t, err)

	st := storage.NewMemory()
	h := &harness{
		store:  st,
		runlog: NewRunLog(t.TempDir()),
		env:    domain.Environment{ID: 1, Name: "staging"},
		suite:  domain.Suite{ID: 1, Name: "checkout"},
	}
	h.exec = New(Deps{
		Store:    st,
		Pipeline: pipe,
		Rules:    rules.NewRegistry(cat),
		Dedup:    alerts.NewEngine(st, nil, logx.Nop()),
		RunLog:   h.runlog,
		Log:      logx.Nop(),
	})
	return h
}

func (h *harness) request(t *testing.T, workers int, names ...string) Request {
	t.Helper()
	run := domain.SuiteRun{SuiteID: h.suite.ID, EnvironmentID: h.env.ID, Workers: workers, TotalScenarios: len(names)}
	require.NoError(t, h.store.CreateSuiteRun(context.Background(), &run))
	req := Request{Suite: h.suite, Environment: h.env, Workers: workers, Run: run}
	for i, n := range names {
		req.Scenarios = append(req.Scenarios, domain.Scenario{ID: int64(i + 1), Name: n, Active: true})
	}
	return req
}

// scripted answers per scenario name.
func scripted(outcomes map[string]pipeline.Outcome) pipeline.Pipeline {
	return pipeline.Func(func(ctx context.Context, sc domain.Scenario, _ domain.Environment) (pipeline.Outcome, error) {
		if out, ok := outcomes[sc.Name]; ok {
			return out, nil
		}
		return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
	})
}

func raw(rule string) rules.Raw { return rules.Raw{BusinessRule: rule} }

func TestExecuteAllSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scripted(nil))
	res, err := h.exec.Execute(context.Background(), h.request(t, 2, "guest", "member", "b2b"))
	require.NoError(t, err)
	require.Equal(t, domain.SuiteSuccess, res.Run.Status)
	require.Equal(t, 3, res.Run.SuccessCount)
	require.Empty(t, res.Batch)

	got, err := h.store.SuiteRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SuiteSuccess, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.DurationSeconds)

	srs, err := h.store.ScenarioRuns(context.Background(), res.Run.ID)
	require.NoError(t, err)
	require.Len(t, srs, 3)
	for _, sr := range srs {
		require.Equal(t, domain.RunSuccess, sr.Status)
	}
}

func TestExecutePartialWithAlerts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scripted(map[string]pipeline.Outcome{
		"guest":  {Status: pipeline.StatusSuccess, Alerts: []rules.Raw{raw("cart.add_failed")}},
		"member": {Status: pipeline.StatusFailed, Alerts: []rules.Raw{raw("cart.add_failed"), raw("payment.timeout")}},
		"b2b":    {Status: pipeline.StatusSuccess, Alerts: []rules.Raw{raw("not.in.catalog")}},
	}))
	res, err := h.exec.Execute(context.Background(), h.request(t, 3, "guest", "member", "b2b"))
	require.NoError(t, err)

	require.Equal(t, domain.SuitePartial, res.Run.Status)
	require.Equal(t, 1, res.Run.SuccessCount, "unknown rules are ignored")
	require.Equal(t, 2, res.Run.FailedCount)
	require.Equal(t, 3, res.Run.TotalAlerts)
	require.Len(t, res.Batch, 2)
	require.Equal(t, domain.BusinessRule("cart.add_failed"), res.Batch[0].BusinessRule)
	require.Equal(t, domain.IDList{1, 2}, res.Batch[0].ScenarioIDs)
	require.Equal(t, "Add to cart failed", res.Batch[0].Title)
	require.Equal(t, 2, res.Report.Count(alerts.Created))

	groups, err := h.store.AlertGroups(context.Background(), storage.AlertFilter{EnvironmentID: 1})
	require.NoError(t, err)
	require.Len(t, groups, 2)
}

func TestExecuteAllFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Func(func(context.Context, domain.Scenario, domain.Environment) (pipeline.Outcome, error) {
		return pipeline.Outcome{}, errors.New("browser crashed")
	}))
	res, err := h.exec.Execute(context.Background(), h.request(t, 2, "guest", "member"))
	require.NoError(t, err)
	require.Equal(t, domain.SuiteFailed, res.Run.Status)
	require.Equal(t, 2, res.Run.FailedCount)
	require.Zero(t, res.Run.TotalAlerts, "errors never become alerts")
}

func TestExecuteNoScenarios(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scripted(nil))
	res, err := h.exec.Execute(context.Background(), h.request(t, 2))
	require.NoError(t, err)
	require.Equal(t, domain.SuiteSuccess, res.Run.Status)
	require.Zero(t, res.Run.TotalScenarios)
}

func TestPanicIsIsolatedAndLogged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, pipeline.Func(func(_ context.Context, sc domain.Scenario, _ domain.Environment) (pipeline.Outcome, error) {
		if sc.Name == "member" {
			panic("selector not found")
		}
		return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
	}))
	res, err := h.exec.Execute(context.Background(), h.request(t, 2, "guest", "member", "b2b"))
	require.NoError(t, err)
	require.Equal(t, domain.SuitePartial, res.Run.Status)
	require.Equal(t, 2, res.Run.SuccessCount)
	require.Equal(t, 1, res.Run.FailedCount)

	body, err := os.ReadFile(h.runlog.Path(res.Run.ID))
	require.NoError(t, err)
	require.Contains(t, string(body), "ERROR in scenario: member")
	require.Contains(t, string(body), "panic: selector not found")
	require.Contains(t, string(body), "COMPLETED PARTIAL")
}

func TestWorkersBoundConcurrency(t *testing.T) {
	t.Parallel()
	var cur, peak atomic.Int32
	h := newHarness(t, pipeline.Func(func(context.Context, domain.Scenario, domain.Environment) (pipeline.Outcome, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return pipeline.Outcome{Status: pipeline.StatusSuccess}, nil
	}))
	_, err := h.exec.Execute(context.Background(), h.request(t, 2, "a", "b", "c", "d", "e"))
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCancellationMarksRunCancelled(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 4)
	h := newHarness(t, pipeline.Func(func(ctx context.Context, _ domain.Scenario, _ domain.Environment) (pipeline.Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return pipeline.Outcome{}, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	req := h.request(t, 2, "guest", "member", "b2b")

	done := make(chan error, 1)
	go func() {
		_, err := h.exec.Execute(ctx, req)
		done <- err
	}()
	<-started
	<-started
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancel")
	}

	got, err := h.store.SuiteRun(context.Background(), req.Run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SuiteCancelled, got.Status)
	srs, err := h.store.ScenarioRuns(context.Background(), req.Run.ID)
	require.NoError(t, err)
	require.Len(t, srs, 2, "the third scenario never started")
	for _, sr := range srs {
		require.Equal(t, domain.RunCancelled, sr.Status)
	}
	groups, err := h.store.AlertGroups(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	a := func(rule string) domain.Alert { return domain.Alert{BusinessRule: domain.BusinessRule(rule), Title: rule} }
	got := Aggregate([]ScenarioResult{
		{ScenarioID: 3, Alerts: []domain.Alert{a("y"), a("x")}},
		{ScenarioID: 1, Alerts: []domain.Alert{a("x"), a("x")}},
		{ScenarioID: 2},
	})
	require.Len(t, got, 2)
	require.Equal(t, domain.BusinessRule("y"), got[0].BusinessRule)
	require.Equal(t, domain.IDList{1, 3}, got[1].ScenarioIDs)
	require.Equal(t, 3, got[1].OccurrenceCount)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	require.Equal(t, domain.SuiteSuccess, Status(0, 0))
	require.Equal(t, domain.SuiteSuccess, Status(4, 0))
	require.Equal(t, domain.SuiteFailed, Status(0, 2))
	require.Equal(t, domain.SuitePartial, Status(1, 1))
}
