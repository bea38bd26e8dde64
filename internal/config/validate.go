package config

import (
	"fmt"
	"net"
	"strings"

	logx "shopwatch/pkg/logx"
)

// Validate checks structural constraints that do not need other packages.
// Rule catalog and cron checks live with their owners.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		return fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("logging.telegram.enabled requires telegram.chat_id")
	}
	if _, err := ParseDurationField("telegram.timeout", cfg.Telegram.Timeout); err != nil {
		return err
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", d)
		}
	case "memory", "":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if cfg.Storage.MaxConns < 0 {
		return fmt.Errorf("storage.max_conns must be >= 0")
	}

	if cfg.Registry.MaxConcurrent < 0 {
		return fmt.Errorf("registry.max_concurrent must be >= 0")
	}
	if cfg.Runs.DefaultWorkers < 0 || cfg.Runs.MaxWorkers < 0 {
		return fmt.Errorf("runs.default_workers and runs.max_workers must be >= 0")
	}
	if cfg.Runs.MaxWorkers > 0 && cfg.Runs.DefaultWorkers > cfg.Runs.MaxWorkers {
		return fmt.Errorf("runs.default_workers (%d) exceeds runs.max_workers (%d)", cfg.Runs.DefaultWorkers, cfg.Runs.MaxWorkers)
	}

	if _, err := LoadLocation("scheduler.timezone", cfg.Scheduler.Timezone); err != nil {
		return err
	}
	if _, err := ParseDurationField("pipeline.timeout", cfg.Pipeline.Timeout); err != nil {
		return err
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			return fmt.Errorf("notifier: numeric fields must be >= 0")
		}
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if n.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
			return fmt.Errorf("notifier.enabled requires telegram.token and telegram.chat_id")
		}
	}

	if d := cfg.Diag; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			return fmt.Errorf("diag.addr: %w", err)
		}
	}

	seen := map[string]bool{}
	for i, at := range cfg.AlertTypes {
		slug := strings.TrimSpace(at.Slug)
		if slug == "" {
			return fmt.Errorf("alert_types[%d].slug is required", i)
		}
		if seen[slug] {
			return fmt.Errorf("alert_types[%d]: duplicate slug %q", i, slug)
		}
		seen[slug] = true
	}
	return nil
}
