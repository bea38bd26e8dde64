package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/shopwatch.db
  busy_timeout: 5s
registry:
  max_concurrent: 3
scheduler:
  enabled: true
  timezone: UTC
pipeline:
  command: node
  args: ["runner.js"]
alert_types:
  - slug: bug
    name: Bug
rules:
  - business_rule: cart.add_to_cart_failed
    name: Add to cart failed
    alert_type: bug
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "shopwatch.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Registry.MaxConcurrent != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].AlertType != "bug" {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"},"bogus":1}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing data error, got %v", err)
	}
	cfg, err := Decode("c.yml", []byte(""))
	if err != nil || cfg == nil {
		t.Fatalf("empty yaml: cfg=%v err=%v", cfg, err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, want: "logging.level"},
		{name: "sqlite without path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}, want: "storage.path"},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "postgres"}}, want: "storage.driver"},
		{name: "bad timezone", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}, want: "scheduler.timezone"},
		{name: "workers", cfg: Config{Runs: RunsConfig{DefaultWorkers: 9, MaxWorkers: 4}}, want: "runs.default_workers"},
		{name: "notifier without token", cfg: Config{Notifier: &NotifierConfig{Enabled: true}}, want: "telegram.token"},
		{name: "bad duration", cfg: Config{Pipeline: PipelineConfig{Timeout: "soon"}}, want: "pipeline.timeout"},
		{name: "dup slug", cfg: Config{AlertTypes: []AlertTypeConfig{{Slug: "bug"}, {Slug: "bug"}}}, want: "duplicate slug"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "shopwatch.json", `{"storage":{"driver":"memory"},"scheduler":{"enabled":false}}`)
	m := NewConfigManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "shopwatch.json", `{"storage":{"driver":"bogus"}}`)
	time.Sleep(150 * time.Millisecond)
	writeFile(t, dir, "shopwatch.json", `{"storage":{"driver":"memory"},"scheduler":{"enabled":true}}`)

	select {
	case cfg := <-sub:
		if !cfg.Scheduler.Enabled {
			t.Fatalf("published config = %+v", cfg.Scheduler)
		}
		if cfg.Storage.Driver != "memory" {
			t.Fatal("rejected config must not be published")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "secret"}, Rules: []RuleConfig{{BusinessRule: "x"}}}
	b := &Config{Telegram: TelegramConfig{Token: "secret"}, Rules: []RuleConfig{{BusinessRule: "y"}}, Registry: RegistryConfig{MaxConcurrent: 5}}
	sections, _ := SummarizeConfigChange(a, b)
	if strings.Join(sections, ",") != "registry,rules" {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); len(got) != 1 || got[0] != "registry" {
		t.Fatalf("RestartRequired = %v", got)
	}
}
