package pipeline

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"shopwatch/internal/domain"
	logx "shopwatch/pkg/logx"
)

//go:embed outcome.schema.json
var outcomeSchema string

const (
	outcomeSchemaURL = "mem://shopwatch/outcome.schema.json"
	stderrTail       = 2048
)

// CommandConfig describes the external runner process.
type CommandConfig struct {
	Command  string
	Args     []string
	Dir      string
	Headless bool
	// Timeout bounds one scenario; zero means no limit.
	Timeout time.Duration
}

// Command runs one process per scenario. The request is written as JSON on
// stdin and the Outcome is read as JSON from stdout.
type Command struct {
	cfg    CommandConfig
	schema *jsonschema.Schema
	log    logx.Logger
}

type request struct {
	Scenario    domain.Scenario `json:"scenario"`
	Environment environment     `json:"environment"`
	Headless    bool            `json:"headless"`
}

type environment struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Login    string `json:"login,omitempty"`
	Password string `json:"password,omitempty"`
}

func NewCommand(cfg CommandConfig, log logx.Logger) (*Command, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("pipeline: command is required")
	}
	schema, err := compileOutcomeSchema()
	if err != nil {
		return nil, err
	}
	return &Command{cfg: cfg, schema: schema, log: log.With(logx.String("comp", "pipeline"))}, nil
}

func compileOutcomeSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(outcomeSchemaURL, strings.NewReader(outcomeSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(outcomeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func (c *Command) Run(ctx context.Context, sc domain.Scenario, env domain.Environment) (Outcome, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	in, err := json.Marshal(request{
		Scenario: sc,
		Environment: environment{
			ID: env.ID, Name: env.Name, BaseURL: env.BaseURL, Login: env.Login, Password: env.Password,
		},
		Headless: c.cfg.Headless,
	})
	if err != nil {
		return Outcome{}, err
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Stdin = bytes.NewReader(in)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	log := c.log.With(logx.Int64("scenario_id", sc.ID), logx.Duration("took", time.Since(start)))

	// Cancellation wins over whatever the process printed.
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Outcome{}, fmt.Errorf("pipeline: scenario %d timed out after %s", sc.ID, c.cfg.Timeout)
		}
		return Outcome{}, err
	}

	out, parseErr := c.decode(stdout.Bytes())
	if parseErr == nil {
		if runErr != nil {
			log.Warn("pipeline.exit_nonzero", logx.Err(runErr))
		}
		return out, nil
	}
	if runErr != nil {
		return Outcome{}, fmt.Errorf("pipeline: runner failed: %w: %s", runErr, tail(stderr.String()))
	}
	return Outcome{}, fmt.Errorf("pipeline: invalid outcome: %w", parseErr)
}

// Validate checks raw runner output against the outcome schema.
func (c *Command) Validate(raw []byte) (Outcome, error) { return c.decode(raw) }

func (c *Command) decode(raw []byte) (Outcome, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Outcome{}, errors.New("empty output")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Outcome{}, err
	}
	if err := c.schema.Validate(doc); err != nil {
		return Outcome{}, err
	}
	var out Outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
