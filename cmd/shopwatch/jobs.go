package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shopwatch/internal/app"
	"shopwatch/internal/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled suite runs",
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <suite> <environment> <cron>",
	Short: "Create a scheduled job",
	Long:  `Cron is a five-field expression ("*/30 * * * *") or a descriptor such as @hourly.`,
	Args:  cobra.ExactArgs(3),
	RunE:  runJobsAdd,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a job and recompute its next run",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(cmd, args[0], true) },
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleJob(cmd, args[0], false) },
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Start a job now as a manual run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

var jobsPreviewCmd = &cobra.Command{
	Use:   "preview <cron>",
	Short: "Show the next activations of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsPreview,
}

var (
	jobWorkers  int
	jobDisabled bool
	previewN    int
)

func init() {
	jobsCmd.AddCommand(jobsAddCmd, jobsListCmd, jobsEnableCmd, jobsDisableCmd, jobsRunCmd, jobsPreviewCmd)

	jobsAddCmd.Flags().IntVar(&jobWorkers, "workers", scheduler.DefaultWorkers, "parallel scenarios per run")
	jobsAddCmd.Flags().BoolVar(&jobDisabled, "disabled", false, "create the job disabled")
	jobsPreviewCmd.Flags().IntVarP(&previewN, "count", "n", 5, "number of activations")
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		suite, err := suiteRef(ctx, a.Store(), args[0])
		if err != nil {
			return err
		}
		env, err := environmentRef(ctx, a.Store(), args[1])
		if err != nil {
			return err
		}
		job, err := a.Scheduler().CreateJob(ctx, scheduler.JobSpec{
			SuiteID:       suite.ID,
			EnvironmentID: env.ID,
			Workers:       jobWorkers,
			Cron:          args[2],
			Enabled:       !jobDisabled,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %d created, next run %s\n", job.ID, fmtTime(job.NextRunAt))
		return nil
	})
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		jobs, err := a.Scheduler().ListJobs(ctx)
		if err != nil {
			return err
		}
		names := map[int64]string{}
		suites, err := a.Store().Suites(ctx)
		if err != nil {
			return err
		}
		for _, s := range suites {
			names[s.ID] = s.Name
		}
		envs := map[int64]string{}
		all, err := a.Store().Environments(ctx)
		if err != nil {
			return err
		}
		for _, e := range all {
			envs[e.ID] = e.Name
		}

		tw := table(cmd)
		fmt.Fprintln(tw, "ID\tSUITE\tENV\tCRON\tWORKERS\tENABLED\tNEXT\tLAST\tLAST RUN")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%t\t%s\t%s\t%s\n",
				j.ID, names[j.SuiteID], envs[j.EnvironmentID], j.Cron, j.Workers, j.Enabled,
				fmtTime(j.NextRunAt), fmtTime(j.LastRunAt), refOrDash(j.LastSuiteRunID))
		}
		return tw.Flush()
	})
}

func refOrDash(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprint(*id)
}

func toggleJob(cmd *cobra.Command, raw string, enabled bool) error {
	id, err := parseID(raw)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		job, err := a.Scheduler().SetEnabled(ctx, id, enabled)
		if err != nil {
			return err
		}
		state := "disabled"
		if job.Enabled {
			state = "enabled, next run " + fmtTime(job.NextRunAt)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %d %s\n", job.ID, state)
		return nil
	})
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		runID, err := a.Scheduler().RunNow(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "suite run %d started from job %d\n", runID, id)
		// The process exits with the command, so wait for the run here.
		view, err := waitRun(ctx, a, runID)
		if err != nil {
			return err
		}
		printRun(cmd, view)
		return nil
	})
}

func runJobsPreview(cmd *cobra.Command, args []string) error {
	if previewN < 1 {
		return fmt.Errorf("--count must be >= 1, got %d", previewN)
	}
	times, err := scheduler.Preview(args[0], time.Now(), previewN)
	if err != nil {
		return err
	}
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.Format("Mon 2006-01-02 15:04 MST")
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out, "\n"))
	return nil
}

