package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"shopwatch/internal/alerts"
	"shopwatch/internal/app"
	"shopwatch/internal/domain"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and triage the alert backlog",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert groups, most recently seen first",
	Args:  cobra.NoArgs,
	RunE:  runAlertsList,
}

var alertsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count alert groups per status",
	Args:  cobra.NoArgs,
	RunE:  runAlertsStats,
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <group-id> <resolution>",
	Short: "Record a triage decision",
	Long: `Resolutions:
  BUG, NEEDS_DEV, CONFIG        -> AWAITING_FIX
  SCRIPT_FIX, SCENARIO_FIX      -> AWAITING_TEST_UPDATE
  NAB, DUPLICATE, CANT_REPRODUCE -> CLOSED
DUPLICATE requires --duplicate-of.`,
	Args: cobra.ExactArgs(2),
	RunE: runAlertsResolve,
}

var alertsTakeCmd = &cobra.Command{
	Use:   "take <group-id>",
	Short: "Move an OPEN group to IN_PROGRESS",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsTake,
}

var (
	alertEnv      string
	alertScope    string
	alertStatuses []string
	alertSearch   string
	alertLimit    int

	resolveNote string
	resolveDup  int64
	actor       string
)

func init() {
	alertsCmd.AddCommand(alertsListCmd, alertsStatsCmd, alertsResolveCmd, alertsTakeCmd)
	alertsCmd.PersistentFlags().StringVar(&alertEnv, "env", "", "environment name or id (default: all)")

	alertsListCmd.Flags().StringVar(&alertScope, "scope", "active", "active, closed or all")
	alertsListCmd.Flags().StringSliceVar(&alertStatuses, "status", nil, "filter by status (overrides --scope)")
	alertsListCmd.Flags().StringVarP(&alertSearch, "search", "q", "", "case-insensitive match on rule and title")
	alertsListCmd.Flags().IntVar(&alertLimit, "limit", alerts.DefaultListLimit, "maximum rows")

	alertsResolveCmd.Flags().StringVar(&resolveNote, "note", "", "note stored on the group")
	alertsResolveCmd.Flags().Int64Var(&resolveDup, "duplicate-of", 0, "parent group id for DUPLICATE")

	defaultActor := os.Getenv("USER")
	alertsResolveCmd.Flags().StringVar(&actor, "by", defaultActor, "who made the decision")
	alertsTakeCmd.Flags().StringVar(&actor, "by", defaultActor, "who takes the group")
}

func runAlertsList(cmd *cobra.Command, _ []string) error {
	scope, err := alerts.ParseScope(alertScope)
	if err != nil {
		return err
	}
	var statuses []domain.AlertStatus
	for _, raw := range alertStatuses {
		st, err := domain.ParseAlertStatus(raw)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		envID, err := optionalEnv(ctx, a.Store(), alertEnv)
		if err != nil {
			return err
		}
		groups, err := a.Alerts().List(ctx, alerts.Filter{
			EnvironmentID: envID,
			Scope:         scope,
			Statuses:      statuses,
			Text:          alertSearch,
			Limit:         alertLimit,
		})
		if err != nil {
			return err
		}
		tw := table(cmd)
		fmt.Fprintln(tw, "ID\tENV\tSTATUS\tRESOLUTION\tRULE\tTITLE\tREPEAT\tCLEAN\tSCENARIOS\tLAST SEEN")
		for _, g := range groups {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				g.ID, g.EnvironmentID, g.Status, orDash(string(g.ResolutionType)), g.BusinessRule,
				truncate(g.Title, 48), g.RepeatCount, g.CleanRunsCount, g.ScenarioIDs.Encode(), fmtTime(&g.LastSeenAt))
		}
		return tw.Flush()
	})
}

func runAlertsStats(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		envID, err := optionalEnv(ctx, a.Store(), alertEnv)
		if err != nil {
			return err
		}
		st, err := a.Alerts().Stats(ctx, envID)
		if err != nil {
			return err
		}
		tw := table(cmd)
		for _, s := range append(append([]domain.AlertStatus{}, domain.ActiveStatuses...), domain.AlertClosed) {
			fmt.Fprintf(tw, "%s\t%d\n", s, st.ByStatus[s])
		}
		fmt.Fprintf(tw, "active\t%d\n", st.Active)
		fmt.Fprintf(tw, "total\t%d\n", st.Total)
		return tw.Flush()
	})
}

func runAlertsResolve(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	res, err := domain.ParseResolution(args[1])
	if err != nil {
		return err
	}
	req := alerts.ResolveRequest{GroupID: id, Resolution: res, Note: resolveNote, ClosedBy: actor}
	if cmd.Flags().Changed("duplicate-of") {
		req.DuplicateOf = &resolveDup
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		g, err := a.Alerts().Resolve(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "alert %d -> %s (%s)\n", g.ID, g.Status, g.ResolutionType)
		return nil
	})
}

func runAlertsTake(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		g, err := a.Alerts().SetInProgress(ctx, id, actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "alert %d -> %s\n", g.ID, g.Status)
		return nil
	})
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
