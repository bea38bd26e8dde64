package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shopwatch/internal/domain"
	logx "shopwatch/pkg/logx"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(Config{Path: filepath.Join(t.TempDir(), "shopwatch.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) { fn(t, st) })
	}
}

func seedSuite(t *testing.T, st Store) (domain.Environment, domain.Suite, []domain.Scenario) {
	t.Helper()
	ctx := context.Background()
	env := domain.Environment{Name: "staging", BaseURL: "https://staging.example.com", Active: true}
	require.NoError(t, st.SaveEnvironment(ctx, &env))
	suite := domain.Suite{Name: "checkout", Workers: 3, Active: true}
	require.NoError(t, st.SaveSuite(ctx, &suite))

	var scs []domain.Scenario
	for _, name := range []string{"guest-card", "member-cash", "disabled"} {
		sc := domain.Scenario{Name: name, ListingURLs: []string{"/c/shoes"}, Delivery: "courier", Active: name != "disabled"}
		require.NoError(t, st.SaveScenario(ctx, &sc))
		scs = append(scs, sc)
	}
	require.NoError(t, st.SetSuiteScenarios(ctx, suite.ID, []int64{scs[1].ID, scs[0].ID, scs[2].ID}))
	return env, suite, scs
}

func TestConfigEntities(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		env, suite, scs := seedSuite(t, st)

		got, err := st.EnvironmentByName(ctx, "staging")
		require.NoError(t, err)
		require.Equal(t, env.ID, got.ID)
		require.True(t, got.Active)

		byName, err := st.SuiteByName(ctx, "checkout")
		require.NoError(t, err)
		require.Equal(t, 3, byName.Workers)

		ordered, err := st.SuiteScenarios(ctx, suite.ID)
		require.NoError(t, err)
		require.Len(t, ordered, 3)
		require.Equal(t, scs[1].ID, ordered[0].ID)
		require.Equal(t, []string{"/c/shoes"}, ordered[0].ListingURLs)
		require.False(t, ordered[2].Active)

		_, err = st.Suite(ctx, 9999)
		require.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestDueJobs(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
		past, future := now.Add(-time.Minute), now.Add(time.Hour)

		due := domain.ScheduledJob{SuiteID: 1, EnvironmentID: 1, Workers: 2, Cron: "* * * * *", Enabled: true, NextRunAt: &past}
		later := domain.ScheduledJob{SuiteID: 1, EnvironmentID: 1, Workers: 2, Cron: "0 * * * *", Enabled: true, NextRunAt: &future}
		off := domain.ScheduledJob{SuiteID: 1, EnvironmentID: 1, Workers: 2, Cron: "* * * * *", Enabled: false, NextRunAt: &past}
		for _, j := range []*domain.ScheduledJob{&due, &later, &off} {
			require.NoError(t, st.CreateJob(ctx, j))
		}

		jobs, err := st.DueJobs(ctx, now)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, due.ID, jobs[0].ID)

		runID := int64(42)
		jobs[0].NextRunAt = &future
		jobs[0].LastRunAt = &now
		jobs[0].LastSuiteRunID = &runID
		require.NoError(t, st.UpdateJob(ctx, jobs[0]))

		got, err := st.Job(ctx, due.ID)
		require.NoError(t, err)
		require.True(t, got.NextRunAt.Equal(future))
		require.Equal(t, int64(42), *got.LastSuiteRunID)

		jobs, err = st.DueJobs(ctx, now)
		require.NoError(t, err)
		require.Empty(t, jobs)
	})
}

func TestCancelSuiteRun(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		run := domain.SuiteRun{SuiteID: 1, EnvironmentID: 1, Workers: 2, TotalScenarios: 2}
		require.NoError(t, st.CreateSuiteRun(ctx, &run))
		require.Equal(t, domain.SuiteRunning, run.Status)

		sess, err := st.Session(ctx)
		require.NoError(t, err)
		defer sess.Close()
		done := domain.ScenarioRun{SuiteRunID: run.ID, ScenarioID: 1}
		open := domain.ScenarioRun{SuiteRunID: run.ID, ScenarioID: 2}
		require.NoError(t, sess.CreateScenarioRun(ctx, &done))
		require.NoError(t, sess.CreateScenarioRun(ctx, &open))
		fin := time.Now().UTC()
		done.Status, done.FinishedAt = domain.RunSuccess, &fin
		require.NoError(t, sess.FinishScenarioRun(ctx, done))

		require.NoError(t, st.CancelSuiteRun(ctx, run.ID, time.Now()))

		got, err := st.SuiteRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, domain.SuiteCancelled, got.Status)
		require.NotNil(t, got.FinishedAt)

		srs, err := st.ScenarioRuns(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, srs, 2)
		require.Equal(t, domain.RunSuccess, srs[0].Status)
		require.Equal(t, domain.RunCancelled, srs[1].Status)
		require.NotNil(t, srs[1].FinishedAt)
	})
}

func TestFinalizeRollsBack(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		run := domain.SuiteRun{SuiteID: 1, EnvironmentID: 1}
		require.NoError(t, st.CreateSuiteRun(ctx, &run))

		boom := errors.New("boom")
		err := st.Finalize(ctx, func(tx Tx) error {
			g := domain.AlertGroup{EnvironmentID: 1, SuiteRunID: run.ID, BusinessRule: "x", Status: domain.AlertOpen,
				FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
			if err := tx.SaveAlertGroup(ctx, &g); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		groups, err := st.AlertGroups(ctx, AlertFilter{})
		require.NoError(t, err)
		require.Empty(t, groups)
	})
}

func TestSQLiteFinalizeWithConcurrentWriter(t *testing.T) {
	t.Parallel()
	st, err := OpenSQLite(Config{Path: filepath.Join(t.TempDir(), "shopwatch.db"), BusyTimeout: 5 * time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	env, suite, scs := seedSuite(t, st)
	mine := domain.SuiteRun{SuiteID: suite.ID, EnvironmentID: env.ID}
	require.NoError(t, st.CreateSuiteRun(ctx, &mine))
	other := domain.SuiteRun{SuiteID: suite.ID, EnvironmentID: env.ID}
	require.NoError(t, st.CreateSuiteRun(ctx, &other))

	writerDone := make(chan error, 1)
	err = st.Finalize(ctx, func(tx Tx) error {
		if _, err := tx.AlertGroups(ctx, AlertFilter{EnvironmentID: env.ID}); err != nil {
			return err
		}
		// Another suite run records a scenario on its own connection while
		// this transaction sits between its read and its write.
		go func() {
			sess, err := st.Session(ctx)
			if err != nil {
				writerDone <- err
				return
			}
			defer sess.Close()
			writerDone <- sess.CreateScenarioRun(ctx, &domain.ScenarioRun{
				SuiteRunID: other.ID, SuiteID: suite.ID, ScenarioID: scs[0].ID, EnvironmentID: env.ID,
			})
		}()
		time.Sleep(100 * time.Millisecond)

		g := domain.AlertGroup{EnvironmentID: env.ID, SuiteRunID: mine.ID, BusinessRule: "cart.add_failed",
			Status: domain.AlertOpen, ScenarioIDs: domain.IDList{scs[1].ID}, FirstSeenAt: time.Now(), LastSeenAt: time.Now()}
		return tx.SaveAlertGroup(ctx, &g)
	})
	require.NoError(t, err)

	select {
	case err := <-writerDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent writer did not finish")
	}

	groups, err := st.AlertGroups(ctx, AlertFilter{EnvironmentID: env.ID})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	srs, err := st.ScenarioRuns(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, srs, 1)
}

func TestAlertGroupQueries(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
		seed := []domain.AlertGroup{
			{EnvironmentID: 1, BusinessRule: "cart.add_failed", Title: "Add to cart failed", Status: domain.AlertOpen, ScenarioIDs: domain.IDList{1, 2}},
			{EnvironmentID: 1, BusinessRule: "payment.timeout", Title: "Payment timeout", Status: domain.AlertClosed, ResolutionType: domain.ResolutionNAB},
			{EnvironmentID: 2, BusinessRule: "cart.add_failed", Title: "Add to cart failed", Status: domain.AlertAwaitingFix},
		}
		for i := range seed {
			g := seed[i]
			g.FirstSeenAt = base
			g.LastSeenAt = base.Add(time.Duration(i) * time.Hour)
			g.SuiteRunHistory = domain.IDList{int64(i + 1)}
			if i == 2 {
				g.DuplicateOf = &seed[0].ID
			}
			require.NoError(t, st.SaveAlertGroup(ctx, &g))
			seed[i] = g
		}

		got, err := st.AlertGroups(ctx, AlertFilter{Text: "CART"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, seed[2].ID, got[0].ID, "newest first")

		got, err = st.AlertGroups(ctx, AlertFilter{EnvironmentID: 1, Statuses: domain.ActiveStatuses})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, domain.IDList{1, 2}, got[0].ScenarioIDs)

		got, err = st.AlertGroups(ctx, AlertFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)

		counts, err := st.CountAlertGroups(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, map[domain.AlertStatus]int{domain.AlertOpen: 1, domain.AlertClosed: 1}, counts)

		one, err := st.AlertGroup(ctx, seed[2].ID)
		require.NoError(t, err)
		require.NotNil(t, one.DuplicateOf)
		require.Equal(t, seed[0].ID, *one.DuplicateOf)

		taken := seed[0]
		taken.Status, taken.AssignedTo = domain.AlertInProgress, "qa-anna"
		require.NoError(t, st.SaveAlertGroup(ctx, &taken))
		one, err = st.AlertGroup(ctx, taken.ID)
		require.NoError(t, err)
		require.Equal(t, "qa-anna", one.AssignedTo)
	})
}

func TestPurgeRuns(t *testing.T) {
	t.Parallel()
	forEachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		old := domain.SuiteRun{SuiteID: 1, EnvironmentID: 1, StartedAt: time.Now().Add(-48 * time.Hour)}
		live := domain.SuiteRun{SuiteID: 1, EnvironmentID: 1}
		require.NoError(t, st.CreateSuiteRun(ctx, &old))
		require.NoError(t, st.CreateSuiteRun(ctx, &live))
		fin := time.Now().UTC()
		old.Status, old.FinishedAt = domain.SuiteSuccess, &fin
		require.NoError(t, st.FinishSuiteRun(ctx, old))

		job := domain.ScheduledJob{SuiteID: 1, EnvironmentID: 1, Cron: "@hourly", Enabled: true, LastSuiteRunID: &old.ID}
		require.NoError(t, st.CreateJob(ctx, &job))

		res, err := st.PurgeRuns(ctx, PurgeOptions{})
		require.NoError(t, err)
		require.Equal(t, []int64{old.ID}, res.SuiteRunIDs)
		require.Equal(t, 1, res.JobsDetached)

		_, err = st.SuiteRun(ctx, old.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = st.SuiteRun(ctx, live.ID)
		require.NoError(t, err, "running runs are kept")

		j, err := st.Job(ctx, job.ID)
		require.NoError(t, err)
		require.Nil(t, j.LastSuiteRunID)
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
