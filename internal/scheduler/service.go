// Package scheduler fires persisted cron jobs.
//
// A robfig/cron tick (default every minute) calls Tick, which selects the
// enabled jobs that are due and starts each through the runs entry point.
// Whatever happens to the start, next_run_at always moves past the tick.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shopwatch/internal/eventbus"
	"shopwatch/internal/runs"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

const DefaultTick = "@every 1m"

// DefaultWorkers is the worker count of a job created without one.
const DefaultWorkers = 2

type Config struct {
	Enabled  bool
	Tick     string
	Timezone string // IANA TZ, e.g. "Europe/Warsaw"
}

// Starter is the run entry point.
type Starter interface {
	Start(ctx context.Context, req runs.StartRequest) (int64, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron
	ctx context.Context

	store   storage.Store
	starter Starter
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
}

func New(cfg Config, store storage.Store, starter Starter, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		cfg:     cfg,
		store:   store,
		starter: starter,
		bus:     bus,
		log:     log.With(logx.String("comp", "scheduler")),
		now:     time.Now,
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Apply swaps the config. A changed tick or timezone restarts the driver.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
	}
	if s.c == nil {
		return
	}
	if old.Tick != cfg.Tick || old.Timezone != cfg.Timezone {
		s.restartLocked()
	}
	if old.Enabled != cfg.Enabled {
		s.log.Info("scheduler.toggled", logx.Bool("enabled", cfg.Enabled))
	}
}

// Start launches the tick driver. Ticks while disabled are no-ops, so a hot
// reload can flip Enabled without a restart.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	tick := strings.TrimSpace(s.cfg.Tick)
	if tick == "" {
		tick = DefaultTick
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(tickParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := s.ctx
	if _, err := c.AddFunc(tick, func() {
		if !s.Enabled() {
			return
		}
		s.Tick(ctx, s.now())
	}); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler.started", logx.String("tick", tick), logx.String("tz", s.loc.String()), logx.Bool("enabled", s.cfg.Enabled))
	return nil
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.c = nil
	if err := s.startLocked(); err != nil {
		s.log.Error("scheduler.restart_failed", logx.Err(err))
	}
}

// Stop halts the driver and waits for an in-flight tick.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler.stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("scheduler.invalid_timezone", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron."+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron."+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
