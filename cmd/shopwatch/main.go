package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shopwatch/internal/app"
	"shopwatch/internal/domain"
	"shopwatch/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:           "shopwatch",
	Short:         "Scheduled e-commerce checks with a deduplicated alert backlog",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var cfgPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (JSON or YAML)")

	rootCmd.AddCommand(serveCmd, runCmd, jobsCmd, alertsCmd, purgeRunsCmd, rulesCmd, seedCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp builds the app for a one-shot command and stops it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	runErr := fn(ctx, a)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, app.StopCommandEnd); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func table(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
}

// environmentRef resolves a numeric id or a name.
func environmentRef(ctx context.Context, st storage.Store, ref string) (domain.Environment, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		env, err := st.Environment(ctx, id)
		return env, named("environment", ref, err)
	}
	env, err := st.EnvironmentByName(ctx, strings.TrimSpace(ref))
	return env, named("environment", ref, err)
}

func suiteRef(ctx context.Context, st storage.Store, ref string) (domain.Suite, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		s, err := st.Suite(ctx, id)
		return s, named("suite", ref, err)
	}
	s, err := st.SuiteByName(ctx, strings.TrimSpace(ref))
	return s, named("suite", ref, err)
}

func named(kind, ref string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %q: %w", kind, ref, err)
	}
	return err
}

// optionalEnv resolves --env when set; zero means every environment.
func optionalEnv(ctx context.Context, st storage.Store, ref string) (int64, error) {
	if strings.TrimSpace(ref) == "" {
		return 0, nil
	}
	env, err := environmentRef(ctx, st, ref)
	return env.ID, err
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
