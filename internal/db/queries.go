package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/loop"
)

// Loop run statuses stored in loop_runs.status.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// LoopRun represents a row in the loop_runs table plus attempt aggregates.
type LoopRun struct {
	RunID       string              `json:"run_id"`
	Repo        string              `json:"repo,omitempty"`
	Targets     []ci.WorkflowTarget `json:"targets"`
	MaxAttempts int                 `json:"max_attempts"`
	Status      string              `json:"status"`
	StartedAt   string              `json:"started_at"`
	FinishedAt  string              `json:"finished_at,omitempty"`
	Attempts    int                 `json:"attempts"`
	LastOutcome string              `json:"last_outcome,omitempty"`
}

// TagCount is how often a failure tag was seen.
type TagCount struct {
	Tag      string `json:"tag"`
	Count    int    `json:"count"`
	Runs     int    `json:"runs"`
	LastSeen string `json:"last_seen"`
}

// StartLoopRun inserts a running loop_runs row.
func (d *DB) StartLoopRun(ctx context.Context, runID, repo string, targets []ci.WorkflowTarget, maxAttempts int) error {
	tj, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	_, err = d.conn.ExecContext(ctx, d.rebind(
		`INSERT INTO loop_runs (run_id, repo, targets, max_attempts, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`),
		runID, repo, string(tj), maxAttempts, StatusRunning, d.now(),
	)
	if err != nil {
		return fmt.Errorf("start loop run %s: %w", runID, err)
	}
	return nil
}

// RecordAttempt stores report and its per-target rows in one transaction.
func (d *DB) RecordAttempt(ctx context.Context, runID string, report loop.AttemptReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal attempt %d: %w", report.AttemptNumber, err)
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := report.Timestamp.UTC().Format(timeFormat)
	if _, err := tx.ExecContext(ctx, d.rebind(
		`INSERT INTO attempts (run_id, attempt_number, timestamp, outcome, report) VALUES (?, ?, ?, ?, ?)`),
		runID, report.AttemptNumber, ts, string(report.Outcome), string(raw),
	); err != nil {
		return fmt.Errorf("insert attempt %d: %w", report.AttemptNumber, err)
	}

	triggered := make(map[ci.WorkflowTarget]bool, len(report.Triggered))
	for _, t := range report.Triggered {
		triggered[t] = true
	}
	for _, st := range report.RunStatuses {
		var ciRunID sql.NullInt64
		if st.RunID > 0 {
			ciRunID = sql.NullInt64{Int64: st.RunID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, d.rebind(
			`INSERT INTO run_statuses (run_id, attempt_number, workflow, branch, triggered, conclusion, observed_at, ci_run_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			runID, report.AttemptNumber, st.Workflow.Name, st.Workflow.Branch, triggered[st.Workflow],
			string(st.Conclusion), st.ObservedAt.UTC().Format(timeFormat), ciRunID,
		); err != nil {
			return fmt.Errorf("insert run status %s: %w", st.Workflow, err)
		}

		for _, tag := range report.ClassifiedFailures[st.Workflow.String()] {
			if _, err := tx.ExecContext(ctx, d.rebind(
				`INSERT INTO classified_failures (run_id, attempt_number, workflow, branch, tag, timestamp) VALUES (?, ?, ?, ?, ?, ?)`),
				runID, report.AttemptNumber, st.Workflow.Name, st.Workflow.Branch, tag, ts,
			); err != nil {
				return fmt.Errorf("insert classified failure %s: %w", tag, err)
			}
		}
	}
	return tx.Commit()
}

// FinishLoopRun sets the final status of a loop run.
func (d *DB) FinishLoopRun(ctx context.Context, runID, status string) error {
	res, err := d.conn.ExecContext(ctx, d.rebind(
		`UPDATE loop_runs SET status = ?, finished_at = ? WHERE run_id = ?`),
		status, d.now(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish loop run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish loop run %s: not found", runID)
	}
	return nil
}

const loopRunColumns = `
	SELECT r.run_id, r.repo, r.targets, r.max_attempts, r.status, r.started_at, r.finished_at,
		(SELECT COUNT(*) FROM attempts a WHERE a.run_id = r.run_id),
		(SELECT a.outcome FROM attempts a WHERE a.run_id = r.run_id ORDER BY a.attempt_number DESC LIMIT 1)
	FROM loop_runs r`

func scanLoopRun(row interface{ Scan(...any) error }) (*LoopRun, error) {
	var r LoopRun
	var targets string
	var finished, last sql.NullString
	if err := row.Scan(&r.RunID, &r.Repo, &targets, &r.MaxAttempts, &r.Status, &r.StartedAt, &finished, &r.Attempts, &last); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targets), &r.Targets); err != nil {
		return nil, fmt.Errorf("unmarshal targets of %s: %w", r.RunID, err)
	}
	r.FinishedAt = finished.String
	r.LastOutcome = last.String
	return &r, nil
}

// ListLoopRuns returns loop runs newest first. A limit <= 0 returns all.
func (d *DB) ListLoopRuns(ctx context.Context, limit int) ([]LoopRun, error) {
	query := loopRunColumns + ` ORDER BY r.started_at DESC, r.run_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.conn.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list loop runs: %w", err)
	}
	defer rows.Close()

	var out []LoopRun
	for rows.Next() {
		r, err := scanLoopRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loop run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetLoopRun returns one loop run, or nil if it does not exist.
func (d *DB) GetLoopRun(ctx context.Context, runID string) (*LoopRun, error) {
	row := d.conn.QueryRowContext(ctx, d.rebind(loopRunColumns+` WHERE r.run_id = ?`), runID)
	r, err := scanLoopRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loop run %s: %w", runID, err)
	}
	return r, nil
}

// GetAttempts returns the stored reports of a run in attempt order.
func (d *DB) GetAttempts(ctx context.Context, runID string) ([]loop.AttemptReport, error) {
	rows, err := d.conn.QueryContext(ctx, d.rebind(
		`SELECT report FROM attempts WHERE run_id = ? ORDER BY attempt_number`), runID)
	if err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	defer rows.Close()

	var out []loop.AttemptReport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		var r loop.AttemptReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("unmarshal attempt of %s: %w", runID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TagCounts returns failure tag frequencies, most frequent first. since, if
// non-empty, is an RFC3339 lower bound on the attempt timestamp.
func (d *DB) TagCounts(ctx context.Context, since string) ([]TagCount, error) {
	query := `SELECT tag, COUNT(*), COUNT(DISTINCT run_id), MAX(timestamp) FROM classified_failures`
	var args []any
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY tag ORDER BY COUNT(*) DESC, tag`

	rows, err := d.conn.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tag counts: %w", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count, &tc.Runs, &tc.LastSeen); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
