package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shopwatch/internal/app"
	"shopwatch/internal/runs"
	"shopwatch/internal/seed"
)

var purgeRunsCmd = &cobra.Command{
	Use:   "purge-runs",
	Short: "Delete run history and alert groups, keeping configuration",
	Long: `Deletes finished suite runs, their scenario runs and the alert backlog.
Environments, suites, scenarios and jobs are kept; jobs lose their last run
reference. Runs still in progress are never deleted.`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the business-rule catalog",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <business_rule>",
	Short: "Show how an incoming alert with this rule would be handled now",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesCheck,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured rules",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Import environments, scenarios and suites from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

var (
	purgeKeepLogs bool
	purgeBefore   string
	purgeYes      bool
)

func init() {
	purgeRunsCmd.Flags().BoolVar(&purgeKeepLogs, "keep-logs", false, "keep logs/suite_run_*.log files")
	purgeRunsCmd.Flags().StringVar(&purgeBefore, "before", "", "only runs started before this date (2006-01-02) or age (e.g. 720h)")
	purgeRunsCmd.Flags().BoolVarP(&purgeYes, "yes", "y", false, "do not ask for confirmation")

	rulesCmd.AddCommand(rulesCheckCmd, rulesListCmd)
}

func parseBefore(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("--before: want a date (2006-01-02) or a duration, got %q", raw)
	}
	return t, nil
}

func runPurge(cmd *cobra.Command, _ []string) error {
	before, err := parseBefore(purgeBefore, time.Now())
	if err != nil {
		return err
	}
	if !purgeYes {
		what := "ALL run history and alert groups"
		if !before.IsZero() {
			what = "runs started before " + before.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "This deletes %s. Continue? [y/N] ", what)
		var answer string
		_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Fprintln(cmd.OutOrStdout(), "aborted")
			return nil
		}
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		rep, err := a.Runs().Purge(ctx, runs.PurgeOptions{Before: before, KeepLogs: purgeKeepLogs})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d suite runs, %d scenario runs, %d alert groups; detached %d jobs; removed %d logs\n",
			len(rep.SuiteRunIDs), rep.ScenarioRuns, rep.AlertGroups, rep.JobsDetached, rep.LogsRemoved)
		return nil
	})
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	cat, err := app.LoadCatalog(cfgPath)
	if err != nil {
		return err
	}
	rule, ok := cat.Lookup(args[0])
	out := cmd.OutOrStdout()
	if !ok {
		fmt.Fprintf(out, "%s: unknown (alerts with this rule are ignored)\n", args[0])
		return nil
	}
	now := time.Now()
	state := "accepted"
	switch {
	case !rule.Active:
		state = "inactive (ignored)"
	case rule.DisabledAt(now):
		state = "inside its disable window (ignored)"
	}
	fmt.Fprintf(out, "%s: %s\n", rule.BusinessRule, state)
	fmt.Fprintf(out, "  title: %s\n  type:  %s\n", rule.Name, rule.AlertType)
	if rule.Description != "" {
		fmt.Fprintf(out, "  %s\n", rule.Description)
	}
	return nil
}

func runRulesList(cmd *cobra.Command, _ []string) error {
	cat, err := app.LoadCatalog(cfgPath)
	if err != nil {
		return err
	}
	now := time.Now()
	tw := table(cmd)
	fmt.Fprintln(tw, "RULE\tTYPE\tACTIVE\tDISABLED NOW\tTITLE")
	for _, r := range cat.Rules() {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", r.BusinessRule, r.AlertType, r.Active, r.DisabledAt(now), r.Name)
	}
	return tw.Flush()
}

func runSeed(cmd *cobra.Command, args []string) error {
	f, err := seed.Load(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		rep, err := seed.Apply(ctx, a.Store(), f, a.Log())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d environments, %d scenarios, %d suites\n", rep.Environments, rep.Scenarios, rep.Suites)
		return nil
	})
}
