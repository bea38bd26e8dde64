package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shopwatch/internal/app"
	"shopwatch/internal/domain"
	"shopwatch/internal/runs"
)

var runCmd = &cobra.Command{
	Use:   "run <suite> <environment>",
	Short: "Run a suite once and wait for it to finish",
	Long: `Suite and environment may be given by name or numeric id. Ctrl-C cancels the run.
The run belongs to this process, so the command always waits for it; use
"jobs" with a running "serve" for unattended runs.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runSuite,
}

var runWorkers int

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "parallel scenarios (default: suite setting)")
}

func runSuite(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		suite, err := suiteRef(ctx, a.Store(), args[0])
		if err != nil {
			return err
		}
		env, err := environmentRef(ctx, a.Store(), args[1])
		if err != nil {
			return err
		}
		req := runs.StartRequest{SuiteID: suite.ID, EnvironmentID: env.ID, TriggeredBy: domain.TriggerManual}
		if cmd.Flags().Changed("workers") {
			req.Workers = &runWorkers
		}
		id, err := a.Runs().Start(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "suite run %d started (%s on %s)\n", id, suite.Name, env.Name)

		view, err := waitRun(ctx, a, id)
		if err != nil {
			return err
		}
		printRun(cmd, view)
		if view.Run.Status == domain.SuiteFailed {
			return fmt.Errorf("suite run %d failed", id)
		}
		return nil
	})
}

// waitRun blocks until the run finishes. An interrupted wait cancels the
// run and gives it time to record the cancellation.
func waitRun(ctx context.Context, a *app.App, id int64) (runs.StatusView, error) {
	if err := a.Runs().Wait(ctx, id); err != nil && errors.Is(err, context.Canceled) {
		a.Runs().Cancel(id)
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Runs().Wait(waitCtx, id)
	}
	return a.Runs().Status(context.WithoutCancel(ctx), id)
}

func printRun(cmd *cobra.Command, v runs.StatusView) {
	r := v.Run
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "suite run %d: %s (trigger %s, workers %d)\n", r.ID, r.Status, r.TriggeredBy, r.Workers)
	fmt.Fprintf(out, "scenarios: %d total, %d ok, %d failed; alerts: %d\n", r.TotalScenarios, r.SuccessCount, r.FailedCount, r.TotalAlerts)
	if r.DurationSeconds != nil {
		fmt.Fprintf(out, "duration: %.1fs\n", *r.DurationSeconds)
	}
	if len(v.Scenarios) == 0 {
		return
	}
	tw := table(cmd)
	fmt.Fprintln(tw, "SCENARIO\tSTATUS\tALERTS\tFINISHED")
	for _, sr := range v.Scenarios {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", sr.ScenarioID, sr.Status, sr.AlertCount, fmtTime(sr.FinishedAt))
	}
	_ = tw.Flush()
}
