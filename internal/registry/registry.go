// Package registry admits suite runs under a global limit and supervises
// them until they finish.
package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shopwatch/internal/runtime/supervisor"
	logx "shopwatch/pkg/logx"
)

const DefaultMaxConcurrent = 3

// ErrCapacity is returned by Submit when Limit runs are already tracked.
type ErrCapacity struct {
	Limit int
}

func (e *ErrCapacity) Error() string {
	return fmt.Sprintf("capacity reached: at most %d suite runs may run at the same time", e.Limit)
}

// IsCapacity reports whether err is an admission rejection.
func IsCapacity(err error) bool {
	var ce *ErrCapacity
	return errors.As(err, &ce)
}

var ErrAlreadyRunning = errors.New("registry: suite run already running")

// Unit is the work of one suite run. It must return when ctx is cancelled.
type Unit func(ctx context.Context) error

// Entry describes a tracked run.
type Entry struct {
	RunID     int64
	ExecID    string
	StartedAt time.Time
}

type entry struct {
	Entry
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks running suite runs.
//
// Admission is decided on the tracked map under mu. Execution additionally
// takes a token from permit, sized to the same limit, so concurrent work
// never exceeds the limit even if admission and start interleave.
type Registry struct {
	limit  int
	log    logx.Logger
	sup    *supervisor.Supervisor
	permit *permit

	mu      sync.Mutex
	running map[int64]*entry
}

func New(sup *supervisor.Supervisor, limit int, log logx.Logger) *Registry {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	return &Registry{
		limit:   limit,
		log:     log.With(logx.String("comp", "registry")),
		sup:     sup,
		permit:  newPermit(limit),
		running: map[int64]*entry{},
	}
}

func (r *Registry) Limit() int { return r.limit }

// CheckCapacity returns *ErrCapacity when no slot is free right now.
func (r *Registry) CheckCapacity() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.running) >= r.limit {
		return &ErrCapacity{Limit: r.limit}
	}
	return nil
}

// Submit admits runID and starts unit in the background. It never blocks
// and never queues: a full registry is reported as *ErrCapacity.
func (r *Registry) Submit(runID int64, unit Unit) error {
	if unit == nil {
		return errors.New("registry: nil unit")
	}
	r.mu.Lock()
	if _, ok := r.running[runID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(r.running) >= r.limit {
		r.mu.Unlock()
		r.log.Warn("suite_run.rejected", logx.Int64("suite_run_id", runID), logx.Int("limit", r.limit))
		return &ErrCapacity{Limit: r.limit}
	}
	ctx, cancel := context.WithCancel(r.sup.Context())
	e := &entry{
		Entry:  Entry{RunID: runID, ExecID: uuid.NewString(), StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.running[runID] = e
	r.mu.Unlock()

	log := r.log.With(logx.Int64("suite_run_id", runID), logx.String("exec_id", e.ExecID))
	log.Info("suite_run.admitted", logx.Int("running", r.Count()), logx.Int("limit", r.limit))

	r.sup.Go(fmt.Sprintf("suite_run.%d", runID), func(context.Context) error {
		defer r.remove(e)
		defer cancel()
		// A unit cancelled while waiting still runs with the cancelled
		// context so it can record the cancellation.
		if err := r.permit.acquire(ctx); err == nil {
			defer r.permit.release()
		}
		r.guard(ctx, log, unit)
		return nil
	})
	return nil
}

// guard runs unit and logs its outcome. Nothing escapes to the caller.
func (r *Registry) guard(ctx context.Context, log logx.Logger, unit Unit) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("suite_run.panic", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	err := unit(ctx)
	switch {
	case err == nil:
		log.Info("suite_run.done", logx.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
		log.Info("suite_run.cancelled", logx.Duration("took", time.Since(start)))
	default:
		log.Error("suite_run.error", logx.Err(err), logx.Duration("took", time.Since(start)))
	}
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	if cur, ok := r.running[e.RunID]; ok && cur == e {
		delete(r.running, e.RunID)
	}
	r.mu.Unlock()
	close(e.done)
}

func (r *Registry) IsRunning(runID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[runID]
	return ok
}

// Running returns the tracked run ids in ascending order.
func (r *Registry) Running() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.running))
	for _, e := range r.running {
		out = append(out, e.Entry)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Cancel requests cooperative cancellation. It reports whether runID was
// tracked; the entry is removed once the unit returns.
func (r *Registry) Cancel(runID int64) bool {
	r.mu.Lock()
	e, ok := r.running[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.log.Info("suite_run.cancel_requested", logx.Int64("suite_run_id", runID), logx.String("exec_id", e.ExecID))
	e.cancel()
	return true
}

// CancelAll cancels every tracked run.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.running))
	for _, e := range r.running {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
	return len(entries)
}

// Wait blocks until runID is no longer tracked or ctx ends.
func (r *Registry) Wait(ctx context.Context, runID int64) error {
	r.mu.Lock()
	e, ok := r.running[runID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
