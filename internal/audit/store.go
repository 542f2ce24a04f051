// Package audit keeps the on-disk audit trail of loop runs: one directory
// per run holding an append-only attempts.jsonl and a state.json summary.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/loop"
)

const (
	stateFile    = "state.json"
	attemptsFile = "attempts.jsonl"
)

// Status of a recorded loop run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// RunInfo is the contents of state.json.
type RunInfo struct {
	RunID       string              `json:"run_id"`
	Repo        string              `json:"repo,omitempty"`
	Targets     []ci.WorkflowTarget `json:"targets"`
	MaxAttempts int                 `json:"max_attempts"`
	Status      Status              `json:"status"`
	Attempts    int                 `json:"attempts"`
	LastOutcome loop.Outcome        `json:"last_outcome,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
}

// Record is a run read back from disk.
type Record struct {
	Info     RunInfo
	Attempts []loop.AttemptReport
}

// JSONLWriter records loop runs under a base directory. It implements
// loop.LifecycleRecorder.
type JSONLWriter struct {
	dir string
	// Repo is stamped into every new run's state.json.
	Repo string
	Now  func() time.Time

	mu sync.Mutex
}

// NewJSONLWriter returns a writer rooted at dir.
func NewJSONLWriter(dir string) *JSONLWriter {
	return &JSONLWriter{dir: dir, Now: time.Now}
}

// DefaultDir returns ~/.ciloop/runs.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".ciloop", "runs"), nil
}

// Dir returns the writer's base directory.
func (w *JSONLWriter) Dir() string {
	return w.dir
}

// RunDir returns the directory holding runID's trail.
func (w *JSONLWriter) RunDir(runID string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(w.dir, runID), nil
}

func (w *JSONLWriter) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

// StartLoop creates the run directory and its initial state.json.
func (w *JSONLWriter) StartLoop(ctx context.Context, runID string, st *loop.LoopState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, err := w.RunDir(runID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, stateFile)); err == nil {
		return fmt.Errorf("run %s already recorded", runID)
	}
	info := RunInfo{
		RunID:       runID,
		Repo:        w.Repo,
		Targets:     st.Targets,
		MaxAttempts: st.MaxAttempts,
		Status:      StatusRunning,
		StartedAt:   w.now(),
	}
	return WriteJSON(filepath.Join(dir, stateFile), info)
}

// RecordAttempt appends report to attempts.jsonl and refreshes state.json.
// Lines already written are never rewritten.
func (w *JSONLWriter) RecordAttempt(ctx context.Context, runID string, report loop.AttemptReport) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, err := w.RunDir(runID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	line, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal attempt %d: %w", report.AttemptNumber, err)
	}
	if err := appendLine(filepath.Join(dir, attemptsFile), line); err != nil {
		return err
	}

	return w.updateState(dir, func(info *RunInfo) {
		info.Attempts = report.AttemptNumber
		info.LastOutcome = report.Outcome
	})
}

// FinishLoop stamps the final status into state.json.
func (w *JSONLWriter) FinishLoop(ctx context.Context, runID string, res *loop.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, err := w.RunDir(runID)
	if err != nil {
		return err
	}
	finished := w.now()
	return w.updateState(dir, func(info *RunInfo) {
		info.Status = resultStatus(res)
		info.Attempts = len(res.Attempts)
		info.FinishedAt = &finished
	})
}

func resultStatus(res *loop.Result) Status {
	switch {
	case res.Success:
		return StatusSucceeded
	case res.Cancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// updateState applies fn to state.json. A missing state.json (a recorder
// attached after StartLoop) is created from scratch.
func (w *JSONLWriter) updateState(dir string, fn func(*RunInfo)) error {
	path := filepath.Join(dir, stateFile)
	var info RunInfo
	if err := ReadJSON(path, &info); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		info = RunInfo{RunID: filepath.Base(dir), Repo: w.Repo, Status: StatusRunning, StartedAt: w.now()}
	}
	fn(&info)
	return WriteJSON(path, info)
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Close()
}

// ReadJSONL reads an attempts.jsonl file. Blank lines are skipped.
func ReadJSONL(path string) ([]loop.AttemptReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []loop.AttemptReport
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r loop.AttemptReport
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// Load reads runID's state.json and attempts back.
func (w *JSONLWriter) Load(runID string) (*Record, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := ReadJSON(filepath.Join(dir, stateFile), &rec.Info); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("run %s not found in %s", runID, w.dir)
		}
		return nil, err
	}
	attempts, err := ReadJSONL(filepath.Join(dir, attemptsFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	rec.Attempts = attempts
	return rec, nil
}

// List returns every recorded run, newest first. Directories without a
// readable state.json are skipped.
func (w *JSONLWriter) List() ([]RunInfo, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", w.dir, err)
	}
	var out []RunInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var info RunInfo
		if err := ReadJSON(filepath.Join(w.dir, e.Name(), stateFile), &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
