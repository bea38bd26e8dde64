package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopwatch/internal/config"
	"shopwatch/internal/domain"
	"shopwatch/internal/notify"
	"shopwatch/internal/observability/diag"
	"shopwatch/internal/pipeline"
	"shopwatch/internal/rules"
	"shopwatch/internal/runs"
	"shopwatch/internal/scheduler"
	"shopwatch/internal/storage"
	kit "shopwatch/internal/transport"
	"shopwatch/internal/transport/telegram"
	logx "shopwatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, bool, error) {
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return telegram.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{Token: token, Timeout: timeout}, true, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" && driver != "memory" {
		path = "./data/shopwatch.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxConns: sc.MaxConns}, nil
}

func mapRuns(cfg *config.Config) (runs.Config, string) {
	dir := strings.TrimSpace(cfg.Runs.LogDir)
	if dir == "" {
		dir = "./logs"
	}
	return runs.Config{DefaultWorkers: cfg.Runs.DefaultWorkers, MaxWorkers: cfg.Runs.MaxWorkers}, dir
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Tick:     cfg.Scheduler.Tick,
		Timezone: cfg.Scheduler.Timezone,
	}
}

func mapPipeline(cfg *config.Config, log logx.Logger) (pipeline.Pipeline, error) {
	pc := cfg.Pipeline
	if strings.TrimSpace(pc.Command) == "" {
		// Read-only commands (alerts, jobs) work without a runner.
		return pipeline.Func(func(context.Context, domain.Scenario, domain.Environment) (pipeline.Outcome, error) {
			return pipeline.Outcome{}, errors.New("pipeline.command is not configured")
		}), nil
	}
	timeout, err := config.ParseDurationField("pipeline.timeout", pc.Timeout)
	if err != nil {
		return nil, err
	}
	return pipeline.NewCommand(pipeline.CommandConfig{
		Command:  pc.Command,
		Args:     pc.Args,
		Dir:      pc.Dir,
		Headless: config.BoolOr(pc.Headless, true),
		Timeout:  timeout,
	}, log)
}

// mapNotifier returns a disabled config when the section is missing or no
// bot is configured.
func mapNotifier(cfg *config.Config, hasBot bool) (notify.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notify.Config{}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMax, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:        n.Enabled && hasBot,
		Workers:        n.Workers,
		QueueSize:      n.QueueSize,
		RatePerSec:     n.RatePerSec,
		RetryMax:       n.RetryMax,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
		DedupWindow:    dedup,
		Target:         kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		NotifyFinished: n.NotifyFinished,
	}, nil
}

func mapDiag(cfg *config.Config) diag.Config {
	d := cfg.Diag
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
}

// Validate runs every check a config must pass before it is committed,
// including the ones owned by other packages.
func Validate(cfg *config.Config) (*rules.Catalog, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := scheduler.ValidateTick(cfg.Scheduler.Tick); err != nil {
		return nil, err
	}
	if _, err := mapStorage(cfg); err != nil {
		return nil, err
	}
	_, hasBot, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := mapNotifier(cfg, hasBot); err != nil {
		return nil, err
	}
	cat, err := rules.Build(cfg.AlertTypes, cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return cat, nil
}

// LoadCatalog reads and validates the config at path and returns only its
// rule catalog.
func LoadCatalog(path string) (*rules.Catalog, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, err
	}
	return Validate(cfg)
}
