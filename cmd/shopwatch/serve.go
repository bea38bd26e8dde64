package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"shopwatch/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, notifier and config watcher until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}
