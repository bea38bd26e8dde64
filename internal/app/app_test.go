package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shopwatch/internal/config"
	"shopwatch/internal/domain"
	"shopwatch/internal/runs"
)

const baseConfig = `
logging:
  level: error
storage:
  driver: memory
registry:
  max_concurrent: 2
scheduler:
  enabled: false
alert_types:
  - slug: functional
    name: Functional
rules:
  - business_rule: cart.add_failed
    name: Add to cart failed
    alert_type: functional
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopCommandEnd))
}

func TestNewOneShot(t *testing.T) {
	a, err := New(writeConfig(t, baseConfig))
	require.NoError(t, err)
	defer stopApp(t, a)

	require.Equal(t, 1, a.Rules().Current().Len())
	require.False(t, a.Notifier().Enabled(), "no telegram token")
	require.False(t, a.Scheduler().Enabled())

	h := a.Health(context.Background())
	require.Equal(t, HealthOK, h.Status)
	require.Equal(t, 2, h.MaxConcurrent)
	require.Nil(t, h.Service, "service loops are not running")
	require.Empty(t, h.RunningRuns)
}

func TestRunWithoutPipelineFails(t *testing.T) {
	a, err := New(writeConfig(t, baseConfig))
	require.NoError(t, err)
	defer stopApp(t, a)

	ctx := context.Background()
	env := domain.Environment{Name: "staging", BaseURL: "https://staging.example.com", Active: true}
	require.NoError(t, a.Store().SaveEnvironment(ctx, &env))
	sc := domain.Scenario{Name: "checkout", Active: true}
	require.NoError(t, a.Store().SaveScenario(ctx, &sc))
	suite := domain.Suite{Name: "smoke", Active: true}
	require.NoError(t, a.Store().SaveSuite(ctx, &suite))
	require.NoError(t, a.Store().SetSuiteScenarios(ctx, suite.ID, []int64{sc.ID}))

	id, err := a.Runs().Start(ctx, runs.StartRequest{SuiteID: suite.ID, EnvironmentID: env.ID, TriggeredBy: domain.TriggerManual})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Runs().Wait(waitCtx, id))

	view, err := a.Runs().Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.SuiteFailed, view.Run.Status)
	require.Equal(t, 1, view.Run.FailedCount)
}

func TestServeHealthEndpoint(t *testing.T) {
	cfg := baseConfig + `
diag:
  enabled: true
  addr: 127.0.0.1:0
`
	a, err := New(writeConfig(t, cfg))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.Error(t, a.Start(ctx), "second start")

	select {
	case <-a.diag.Bound():
	case <-time.After(3 * time.Second):
		t.Fatal("diag server did not bind")
	}
	resp, err := http.Get("http://" + a.diag.Addr() + "/healthz")
	require.NoError(t, err)
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, HealthOK, h.Status)
	require.NotNil(t, h.Service)

	stopApp(t, a)
	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}
	require.NoError(t, a.Stop(context.Background(), StopSignal), "second stop is a no-op")
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown alert type": baseConfig + `
  - business_rule: payment.timeout
    name: Payment timeout
    alert_type: visual
`,
		"bad tick": `
storage: {driver: memory}
scheduler: {enabled: true, tick: "every minute"}
`,
		"notifier without bot": `
storage: {driver: memory}
notifier: {enabled: true}
`,
		"bad diag addr": `
storage: {driver: memory}
diag: {enabled: true, addr: "6060"}
`,
		"unknown storage driver": `
storage: {driver: postgres}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg, err := config.Decode("config.yaml", []byte(body))
			require.NoError(t, err)
			_, err = Validate(cfg)
			require.Error(t, err)
		})
	}

	cfg, err := config.Decode("config.yaml", []byte(baseConfig))
	require.NoError(t, err)
	cat, err := Validate(cfg)
	require.NoError(t, err)
	_, ok := cat.Lookup("cart.add_failed")
	require.True(t, ok)
}
