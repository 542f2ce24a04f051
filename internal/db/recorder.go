package db

import (
	"context"
	"time"

	"github.com/lucasnoah/ciloop/internal/loop"
)

const timeFormat = time.RFC3339

// Recorder feeds a loop into the database. It implements loop.LifecycleRecorder.
type Recorder struct {
	db   *DB
	repo string
}

// Recorder returns a loop recorder that stamps runs with repo.
func (d *DB) Recorder(repo string) *Recorder {
	return &Recorder{db: d, repo: repo}
}

func (r *Recorder) StartLoop(ctx context.Context, runID string, st *loop.LoopState) error {
	return r.db.StartLoopRun(ctx, runID, r.repo, st.Targets, st.MaxAttempts)
}

func (r *Recorder) RecordAttempt(ctx context.Context, runID string, report loop.AttemptReport) error {
	return r.db.RecordAttempt(ctx, runID, report)
}

func (r *Recorder) FinishLoop(ctx context.Context, runID string, res *loop.Result) error {
	status := StatusFailed
	switch {
	case res.Success:
		status = StatusSucceeded
	case res.Cancelled:
		status = StatusCancelled
	}
	return r.db.FinishLoopRun(ctx, runID, status)
}
