package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shopwatch/internal/domain"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/runs"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

var noon = time.Date(2026, 10, 14, 12, 7, 0, 0, time.UTC)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []runs.StartRequest
	err  error
	next int64
}

func (f *fakeStarter) Start(_ context.Context, req runs.StartRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return 100 + f.next, nil
}

func newService(t *testing.T, starter Starter) (*Service, *storage.Memory, domain.Suite, domain.Environment) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	suite := domain.Suite{Name: "checkout", Active: true}
	require.NoError(t, st.SaveSuite(ctx, &suite))
	env := domain.Environment{Name: "staging", Active: true}
	require.NoError(t, st.SaveEnvironment(ctx, &env))

	s := New(Config{Enabled: true, Timezone: "UTC"}, st, starter, eventbus.New(), logx.Nop())
	s.now = func() time.Time { return noon }
	return s, st, suite, env
}

func TestNext(t *testing.T) {
	t.Parallel()
	cases := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"*/15 * * * *", noon, time.Date(2026, 10, 14, 12, 15, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 10, 14, 12, 15, 0, 0, time.UTC), time.Date(2026, 10, 14, 12, 30, 0, 0, time.UTC)},
		{"0 3 * * 1", noon, time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC)},
		{"@hourly", noon, time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC)},
		{"@daily", noon, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Next(tc.expr, tc.from)
			require.NoError(t, err)
			require.True(t, tc.want.Equal(got), "got %s", got)
			again, _ := Next(tc.expr, tc.from)
			require.True(t, got.Equal(again))
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{"", "61 * * * *", "* * * *", "0 0 * * * *", "@every 5m", "every monday"} {
		_, err := Parse(expr)
		require.ErrorIs(t, err, ErrInvalidCron, expr)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	got, err := Preview("0 */6 * * *", noon, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 18, got[0].Hour())
	require.Equal(t, 0, got[1].Hour())

	got, err = Preview("0 */6 * * *", noon, -1)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	s, st, suite, env := newService(t, &fakeStarter{})
	ctx := context.Background()

	job, err := s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: " 30 * * * * ", Enabled: true})
	require.NoError(t, err)
	require.Equal(t, DefaultWorkers, job.Workers)
	require.Equal(t, "30 * * * *", job.Cron)
	require.NotNil(t, job.NextRunAt)
	require.True(t, job.NextRunAt.Equal(time.Date(2026, 10, 14, 12, 30, 0, 0, time.UTC)))

	off, err := s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: "@daily", Workers: 5})
	require.NoError(t, err)
	require.Nil(t, off.NextRunAt)
	require.Equal(t, 5, off.Workers)

	_, err = s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: "99 * * * *", Enabled: true})
	require.ErrorIs(t, err, ErrInvalidCron)
	_, err = s.CreateJob(ctx, JobSpec{SuiteID: 999, EnvironmentID: env.ID, Cron: "@daily"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	jobs, err := st.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestTickStartsDueJobs(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s, st, suite, env := newService(t, starter)
	ctx := context.Background()

	due, err := s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: "*/10 * * * *", Workers: 3, Enabled: true})
	require.NoError(t, err)
	disabled, err := s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: "* * * * *"})
	require.NoError(t, err)

	tick := time.Date(2026, 10, 14, 12, 10, 0, 0, time.UTC)
	rep := s.Tick(ctx, tick)
	require.Equal(t, TickReport{Due: 1, Started: 1}, rep)

	require.Len(t, starter.reqs, 1)
	require.Equal(t, domain.TriggerScheduler, starter.reqs[0].TriggeredBy)
	require.Equal(t, 3, *starter.reqs[0].Workers)

	got, err := st.Job(ctx, due.ID)
	require.NoError(t, err)
	require.True(t, got.LastRunAt.Equal(tick))
	require.Equal(t, int64(101), *got.LastSuiteRunID)
	require.True(t, got.NextRunAt.After(tick))
	require.True(t, got.NextRunAt.Equal(time.Date(2026, 10, 14, 12, 20, 0, 0, time.UTC)))

	untouched, err := st.Job(ctx, disabled.ID)
	require.NoError(t, err)
	require.Nil(t, untouched.LastRunAt)

	require.Equal(t, TickReport{}, s.Tick(ctx, tick), "a job fires once per activation")
}

func TestTickAdvancesScheduleOnFailure(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{err: errors.New("capacity reached: at most 3 suite runs may run at the same time")}
	s, st, suite, env := newService(t, starter)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: "*/10 * * * *", Enabled: true})
	require.NoError(t, err)

	tick := time.Date(2026, 10, 14, 12, 10, 0, 0, time.UTC)
	rep := s.Tick(ctx, tick)
	require.Equal(t, TickReport{Due: 1, Failed: 1}, rep)

	got, err := st.Job(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	require.True(t, got.NextRunAt.After(tick))
}

func TestSetEnabled(t *testing.T) {
	t.Parallel()
	s, _, suite, env := newService(t, &fakeStarter{})
	ctx := context.Background()

	job, err := s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: "45 * * * *", Enabled: true})
	require.NoError(t, err)

	off, err := s.SetEnabled(ctx, job.ID, false)
	require.NoError(t, err)
	require.False(t, off.Enabled)
	require.True(t, off.NextRunAt.Equal(*job.NextRunAt), "disabling keeps next_run_at")

	s.now = func() time.Time { return noon.Add(time.Hour) }
	on, err := s.SetEnabled(ctx, job.ID, true)
	require.NoError(t, err)
	require.True(t, on.NextRunAt.Equal(time.Date(2026, 10, 14, 13, 45, 0, 0, time.UTC)))

	_, err = s.SetEnabled(ctx, 999, true)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunNowIsManual(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{}
	s, st, suite, env := newService(t, starter)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, JobSpec{SuiteID: suite.ID, EnvironmentID: env.ID, Cron: "0 4 * * *", Enabled: true})
	require.NoError(t, err)

	id, err := s.RunNow(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, int64(101), id)
	require.Equal(t, domain.TriggerManual, starter.reqs[0].TriggeredBy)

	got, err := st.Job(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, got.NextRunAt.Equal(*job.NextRunAt))
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newService(t, &fakeStarter{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")

	s.Apply(Config{Enabled: false, Tick: "@every 30s", Timezone: "Local"})
	require.False(t, s.Enabled())
	require.Equal(t, time.Local, s.location())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestStartRejectsBadTick(t *testing.T) {
	t.Parallel()
	s := New(Config{Tick: "whenever"}, storage.NewMemory(), &fakeStarter{}, nil, logx.Nop())
	require.Error(t, s.Start(context.Background()))
}

func TestValidateTick(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"", "@every 30s", "*/5 * * * * *", "* * * * *"} {
		require.NoError(t, ValidateTick(ok), ok)
	}
	require.ErrorIs(t, ValidateTick("whenever"), ErrInvalidCron)
}
