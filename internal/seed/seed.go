// Package seed imports environments, suites and scenarios from a YAML (or
// JSON) file. Entities are matched by name, so re-importing a file updates
// rows in place instead of duplicating them.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

type File struct {
	Environments []Environment `yaml:"environments"`
	Scenarios    []Scenario    `yaml:"scenarios"`
	Suites       []Suite       `yaml:"suites"`
}

type Environment struct {
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	Active   *bool  `yaml:"active"`
}

type Scenario struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	ListingURLs []string       `yaml:"listing_urls"`
	Delivery    string         `yaml:"delivery"`
	Payment     string         `yaml:"payment"`
	Flags       map[string]any `yaml:"flags"`
	Active      *bool          `yaml:"active"`
}

type Suite struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Workers     int    `yaml:"workers"`
	Active      *bool  `yaml:"active"`
	// Scenarios lists scenario names in execution order.
	Scenarios []string `yaml:"scenarios"`
}

type Report struct {
	Environments int
	Scenarios    int
	Suites       int
}

// Load reads and strictly decodes path. Unknown keys are rejected.
func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Decode(b)
}

func Decode(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode seed: %w", err)
	}
	return f, f.validate()
}

func (f File) validate() error {
	scenarios := map[string]bool{}
	for i, sc := range f.Scenarios {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return fmt.Errorf("scenarios[%d].name is required", i)
		}
		if scenarios[name] {
			return fmt.Errorf("scenarios[%d]: duplicate name %q", i, name)
		}
		scenarios[name] = true
	}
	for i, e := range f.Environments {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("environments[%d].name is required", i)
		}
	}
	for i, s := range f.Suites {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("suites[%d].name is required", i)
		}
		if s.Workers < 0 {
			return fmt.Errorf("suites[%d].workers must be >= 0", i)
		}
	}
	return nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Apply upserts everything in f. Scenarios are written before suites so
// membership can reference them by name; a name missing from both the file
// and the store fails the import.
func Apply(ctx context.Context, st storage.Store, f File, log logx.Logger) (Report, error) {
	var rep Report
	for _, in := range f.Environments {
		e, err := st.EnvironmentByName(ctx, strings.TrimSpace(in.Name))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return rep, err
		}
		e.Name = strings.TrimSpace(in.Name)
		e.BaseURL = in.BaseURL
		e.Login = in.Login
		e.Password = in.Password
		e.Active = boolOr(in.Active, true)
		if err := st.SaveEnvironment(ctx, &e); err != nil {
			return rep, fmt.Errorf("environment %q: %w", e.Name, err)
		}
		rep.Environments++
	}

	for _, in := range f.Scenarios {
		sc, err := st.ScenarioByName(ctx, strings.TrimSpace(in.Name))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return rep, err
		}
		sc.Name = strings.TrimSpace(in.Name)
		sc.Description = in.Description
		sc.ListingURLs = in.ListingURLs
		sc.Delivery = in.Delivery
		sc.Payment = in.Payment
		sc.Flags = in.Flags
		sc.Active = boolOr(in.Active, true)
		if err := st.SaveScenario(ctx, &sc); err != nil {
			return rep, fmt.Errorf("scenario %q: %w", sc.Name, err)
		}
		rep.Scenarios++
	}

	for _, in := range f.Suites {
		ids := make([]int64, 0, len(in.Scenarios))
		for _, name := range in.Scenarios {
			sc, err := st.ScenarioByName(ctx, strings.TrimSpace(name))
			if err != nil {
				return rep, fmt.Errorf("suite %q: scenario %q: %w", in.Name, name, err)
			}
			ids = append(ids, sc.ID)
		}
		s, err := st.SuiteByName(ctx, strings.TrimSpace(in.Name))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return rep, err
		}
		s.Name = strings.TrimSpace(in.Name)
		s.Description = in.Description
		s.Workers = in.Workers
		s.Active = boolOr(in.Active, true)
		if err := st.SaveSuite(ctx, &s); err != nil {
			return rep, fmt.Errorf("suite %q: %w", s.Name, err)
		}
		if err := st.SetSuiteScenarios(ctx, s.ID, ids); err != nil {
			return rep, fmt.Errorf("suite %q members: %w", s.Name, err)
		}
		rep.Suites++
	}
	log.Info("seed.applied", logx.Int("environments", rep.Environments), logx.Int("scenarios", rep.Scenarios), logx.Int("suites", rep.Suites))
	return rep, nil
}
