package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shopwatch/internal/domain"
	logx "shopwatch/pkg/logx"
)

// TestHelperProcess is the fake runner spawned by the tests below.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("SHOPWATCH_HELPER")
	if mode == "" {
		return
	}
	in, _ := io.ReadAll(os.Stdin)
	var req request
	_ = json.Unmarshal(in, &req)
	switch mode {
	case "ok":
		fmt.Fprintf(os.Stdout, `{"status":"failed","alerts":[{"business_rule":"cart.add_failed","description":"%s"}]}`, req.Environment.BaseURL)
	case "crash":
		fmt.Fprint(os.Stderr, "Traceback: browser closed")
		os.Exit(3)
	case "garbage":
		fmt.Fprint(os.Stdout, `{"status":"maybe"}`)
	case "hang":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helper(t *testing.T, mode string, timeout time.Duration) *Command {
	t.Helper()
	t.Setenv("SHOPWATCH_HELPER", mode)
	c, err := NewCommand(CommandConfig{
		Command:  os.Args[0],
		Args:     []string{"-test.run=TestHelperProcess"},
		Headless: true,
		Timeout:  timeout,
	}, logx.Nop())
	require.NoError(t, err)
	return c
}

var (
	testScenario = domain.Scenario{ID: 3, Name: "guest-card", ListingURLs: []string{"/c/shoes"}}
	testEnv      = domain.Environment{ID: 1, Name: "staging", BaseURL: "https://staging.example.com"}
)

func TestCommandReadsOutcome(t *testing.T) {
	c := helper(t, "ok", 0)
	out, err := c.Run(context.Background(), testScenario, testEnv)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, out.Status)
	require.Len(t, out.Alerts, 1)
	require.Equal(t, "cart.add_failed", out.Alerts[0].BusinessRule)
	require.Equal(t, testEnv.BaseURL, out.Alerts[0].Description)
}

func TestCommandCrash(t *testing.T) {
	c := helper(t, "crash", 0)
	_, err := c.Run(context.Background(), testScenario, testEnv)
	require.ErrorContains(t, err, "browser closed")
}

func TestCommandRejectsInvalidOutcome(t *testing.T) {
	c := helper(t, "garbage", 0)
	_, err := c.Run(context.Background(), testScenario, testEnv)
	require.ErrorContains(t, err, "invalid outcome")
}

func TestCommandTimeout(t *testing.T) {
	c := helper(t, "hang", 200*time.Millisecond)
	_, err := c.Run(context.Background(), testScenario, testEnv)
	require.ErrorContains(t, err, "timed out")
}

func TestCommandCancel(t *testing.T) {
	c := helper(t, "hang", 0)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := c.Run(ctx, testScenario, testEnv)
	require.ErrorIs(t, err, context.Canceled)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	c, err := NewCommand(CommandConfig{Command: "runner"}, logx.Nop())
	require.NoError(t, err)

	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{name: "minimal", raw: `{"status":"success"}`, ok: true},
		{name: "alerts", raw: `{"status":"failed","alerts":[{"business_rule":"x","alert_type":"bug"}]}`, ok: true},
		{name: "missing status", raw: `{"alerts":[]}`},
		{name: "empty rule", raw: `{"status":"failed","alerts":[{"business_rule":""}]}`},
		{name: "not json", raw: `status=ok`},
		{name: "empty", raw: ``},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := c.Validate([]byte(tc.raw))
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()
	var p Pipeline = Func(func(_ context.Context, sc domain.Scenario, _ domain.Environment) (Outcome, error) {
		return Outcome{Status: StatusSuccess, Log: sc.Name}, nil
	})
	out, err := p.Run(context.Background(), testScenario, testEnv)
	require.NoError(t, err)
	require.Equal(t, "guest-card", out.Log)
}
