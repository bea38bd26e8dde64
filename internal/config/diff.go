package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "shopwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe log
// attributes. Secrets (tokens, passwords) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.enabled", newCfg.Notifier != nil && newCfg.Notifier.Enabled))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs, logx.Int("registry.max_concurrent", newCfg.Registry.MaxConcurrent))
	}
	if oldCfg.Runs != newCfg.Runs {
		changed = append(changed, "runs")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
	}
	if oldCfg.Diag != newCfg.Diag {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", newCfg.Diag.Enabled),
			logx.String("diag.addr", newCfg.Diag.Addr),
			logx.Bool("diag.token_set", newCfg.Diag.Token != ""),
		)
	}
	if canonicalHash(oldCfg.AlertTypes) != canonicalHash(newCfg.AlertTypes) ||
		canonicalHash(oldCfg.Rules) != canonicalHash(newCfg.Rules) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.count", len(newCfg.Rules)),
			logx.Int("alert_types.count", len(newCfg.AlertTypes)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists the changed sections that only apply on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "registry", "runs", "pipeline", "telegram":
			out = append(out, s)
		}
	}
	return out
}

func canonicalHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
