package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rule = "================================================================================"

// RunLog appends raw, human-readable detail to logs/suite_run_<id>.log.
// Tracebacks of failed scenarios go here, never into the alert stream.
type RunLog struct {
	dir string
	mu  sync.Mutex
}

func NewRunLog(dir string) *RunLog {
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	return &RunLog{dir: dir}
}

func (l *RunLog) Dir() string { return l.dir }

// Path returns the artifact path of a suite run.
func (l *RunLog) Path(runID int64) string {
	return filepath.Join(l.dir, fmt.Sprintf("suite_run_%d.log", runID))
}

func (l *RunLog) append(runID int64, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(text)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// Line appends one timestamped line.
func (l *RunLog) Line(runID int64, format string, args ...any) error {
	return l.append(runID, time.Now().Format("15:04:05")+" | "+fmt.Sprintf(format, args...)+"\n")
}

// Failure appends a framed error block for one scenario.
func (l *RunLog) Failure(runID int64, scenario string, detail string) error {
	var b strings.Builder
	b.WriteString(rule + "\n")
	b.WriteString("ERROR in scenario: " + scenario + "\n")
	b.WriteString(rule + "\n")
	b.WriteString(strings.TrimRight(detail, "\n") + "\n")
	b.WriteString(rule + "\n\n\n")
	return l.append(runID, b.String())
}

// Remove deletes the artifacts of the given runs and returns how many
// files were removed.
func (l *RunLog) Remove(runIDs []int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	var errs []error
	for _, id := range runIDs {
		err := os.Remove(l.Path(id))
		switch {
		case err == nil:
			n++
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
