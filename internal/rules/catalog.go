// Package rules holds the catalog of known business rules.
//
// The browser pipeline reports alerts as free-form strings. Only strings that
// resolve to an active catalog entry become domain.Alert values, so a typo in
// a scenario cannot open a parallel backlog.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"shopwatch/internal/config"
	"shopwatch/internal/domain"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// AlertType is a category of alerts (bug, to_verify, ...).
type AlertType struct {
	Slug        string
	Name        string
	Color       string
	Description string
	Active      bool
}

// Rule is the configuration of one business rule.
type Rule struct {
	BusinessRule domain.BusinessRule
	Name         string
	AlertType    string
	Description  string
	Active       bool

	// Optional disable window; the has* flags record which bounds are set.
	FromDate, ToDate time.Time
	FromTime, ToTime clock

	hasFromDate, hasToDate bool
	hasFromTime, hasToTime bool
}

type clock struct{ h, m int }

func (c clock) seconds() int { return c.h*3600 + c.m*60 }

// DisabledAt reports whether the rule's disable window covers now.
//
// With a date range set, days outside it are enabled. With a time range set,
// times outside it are enabled. Any remaining configured window disables.
func (r Rule) DisabledAt(now time.Time) bool {
	if !r.Active {
		return true
	}
	if r.hasFromDate && r.hasToDate {
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		if day.Before(r.FromDate) || day.After(r.ToDate) {
			return false
		}
	}
	if r.hasFromTime && r.hasToTime {
		cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
		if cur < r.FromTime.seconds() || cur > r.ToTime.seconds() {
			return false
		}
	}
	return r.hasFromDate || r.hasFromTime
}

// Raw is an alert as reported by the pipeline.
type Raw struct {
	BusinessRule string `json:"business_rule"`
	Description  string `json:"description,omitempty"`
	AlertType    string `json:"alert_type,omitempty"`
}

// Verdict explains why a raw alert was or was not accepted.
type Verdict string

const (
	Accepted Verdict = "accepted"
	Unknown  Verdict = "unknown"
	Inactive Verdict = "inactive"
	Disabled Verdict = "disabled"
)

// Catalog is an immutable rule set.
type Catalog struct {
	rules map[domain.BusinessRule]Rule
	types map[string]AlertType
}

// Build validates configuration and returns a catalog.
func Build(types []config.AlertTypeConfig, rules []config.RuleConfig) (*Catalog, error) {
	c := &Catalog{
		rules: make(map[domain.BusinessRule]Rule, len(rules)),
		types: make(map[string]AlertType, len(types)),
	}
	for _, t := range types {
		slug := strings.TrimSpace(t.Slug)
		c.types[slug] = AlertType{
			Slug:        slug,
			Name:        t.Name,
			Color:       t.Color,
			Description: t.Description,
			Active:      config.BoolOr(t.Active, true),
		}
	}
	for i, rc := range rules {
		r, err := c.buildRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, dup := c.rules[r.BusinessRule]; dup {
			return nil, fmt.Errorf("rules[%d]: duplicate business_rule %q", i, r.BusinessRule)
		}
		c.rules[r.BusinessRule] = r
	}
	return c, nil
}

func (c *Catalog) buildRule(rc config.RuleConfig) (Rule, error) {
	id := strings.TrimSpace(rc.BusinessRule)
	if id == "" {
		return Rule{}, fmt.Errorf("business_rule is required")
	}
	if strings.ContainsAny(id, " \t\n") {
		return Rule{}, fmt.Errorf("business_rule %q must not contain whitespace", id)
	}
	at, ok := c.types[strings.TrimSpace(rc.AlertType)]
	if !ok {
		return Rule{}, fmt.Errorf("%s: unknown alert_type %q", id, rc.AlertType)
	}
	if !at.Active {
		return Rule{}, fmt.Errorf("%s: alert_type %q is inactive", id, at.Slug)
	}
	name := strings.TrimSpace(rc.Name)
	if name == "" {
		name = id
	}
	r := Rule{
		BusinessRule: domain.BusinessRule(id),
		Name:         name,
		AlertType:    at.Slug,
		Description:  rc.Description,
		Active:       config.BoolOr(rc.Active, true),
	}

	var err error
	if r.FromDate, r.hasFromDate, err = parseDate(id+".disabled_from_date", rc.DisabledFromDate); err != nil {
		return Rule{}, err
	}
	if r.ToDate, r.hasToDate, err = parseDate(id+".disabled_to_date", rc.DisabledToDate); err != nil {
		return Rule{}, err
	}
	if r.FromTime, r.hasFromTime, err = parseClock(id+".disabled_from_time", rc.DisabledFromTime); err != nil {
		return Rule{}, err
	}
	if r.ToTime, r.hasToTime, err = parseClock(id+".disabled_to_time", rc.DisabledToTime); err != nil {
		return Rule{}, err
	}
	if r.hasFromDate && r.hasToDate && r.ToDate.Before(r.FromDate) {
		return Rule{}, fmt.Errorf("%s: disabled_to_date before disabled_from_date", id)
	}
	return r, nil
}

func parseDate(path, raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s: invalid date %q", path, raw)
	}
	return t, true, nil
}

func parseClock(path, raw string) (clock, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return clock{}, false, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return clock{}, false, fmt.Errorf("%s: invalid time %q", path, raw)
	}
	return clock{h: t.Hour(), m: t.Minute()}, true, nil
}

// Lookup returns the rule for a business rule string.
func (c *Catalog) Lookup(rule string) (Rule, bool) {
	if c == nil {
		return Rule{}, false
	}
	r, ok := c.rules[domain.BusinessRule(strings.TrimSpace(rule))]
	return r, ok
}

// Resolve turns a raw pipeline alert into a typed alert. The title and the
// alert type come from the catalog, not from the pipeline.
func (c *Catalog) Resolve(raw Raw, now time.Time) (domain.Alert, Verdict) {
	r, ok := c.Lookup(raw.BusinessRule)
	switch {
	case !ok:
		return domain.Alert{}, Unknown
	case !r.Active:
		return domain.Alert{}, Inactive
	case r.DisabledAt(now):
		return domain.Alert{}, Disabled
	}
	return domain.Alert{
		BusinessRule: r.BusinessRule,
		AlertType:    r.AlertType,
		Title:        r.Name,
		Description:  raw.Description,
	}, Accepted
}

// Rules returns all rules sorted by identifier.
func (c *Catalog) Rules() []Rule {
	if c == nil {
		return nil
	}
	out := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessRule < out[j].BusinessRule })
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// Registry holds the current catalog and swaps it on config reload.
type Registry struct {
	cur atomic.Pointer[Catalog]
}

func NewRegistry(c *Catalog) *Registry {
	r := &Registry{}
	if c == nil {
		c = &Catalog{rules: map[domain.BusinessRule]Rule{}, types: map[string]AlertType{}}
	}
	r.cur.Store(c)
	return r
}

func (r *Registry) Current() *Catalog { return r.cur.Load() }

func (r *Registry) Replace(c *Catalog) {
	if c != nil {
		r.cur.Store(c)
	}
}

// Resolve resolves against the current catalog.
func (r *Registry) Resolve(raw Raw, now time.Time) (domain.Alert, Verdict) {
	return r.Current().Resolve(raw, now)
}
