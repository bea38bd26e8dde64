package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidCron = errors.New("scheduler: invalid cron expression")

// jobParser accepts standard five-field expressions and @hourly-style
// descriptors. Seconds are not supported.
var jobParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// tickParser is used for the evaluation tick itself, which may use seconds
// or @every.
var tickParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a job expression.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCron)
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: %q (@every is not a calendar schedule)", ErrInvalidCron, expr)
	}
	sched, err := jobParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// Next returns the first activation strictly after from, evaluated in
// from's location. The result is deterministic for (expr, from).
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next, nil
}

// Preview lists the next n activations after from. n below one yields an
// empty list.
func Preview(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	n = max(n, 0)
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// ValidateTick checks an evaluation tick spec. Empty selects DefaultTick.
func ValidateTick(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	if _, err := tickParser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler.tick: %w: %q: %v", ErrInvalidCron, spec, err)
	}
	return nil
}
