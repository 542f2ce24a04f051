// Package poll watches a workflow's most recent run until it settles.
package poll

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/lucasnoah/ciloop/internal/ci"
)

const (
	// MinInterval is the floor between two checks of the same target.
	MinInterval = time.Second
	// DefaultInterval is used when Options.Interval is zero.
	DefaultInterval = 30 * time.Second
)

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options configures a Poller. Zero values pick defaults.
type Options struct {
	Interval time.Duration
	// Limiter paces queries across every target sharing this Poller.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Now     func() time.Time
	Sleep   SleepFunc
}

// Poller fetches run conclusions from a CI system.
type Poller struct {
	client   ci.Client
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
	sleep    SleepFunc
}

// New creates a Poller.
func New(client ci.Client, opts Options) *Poller {
	p := &Poller{
		client:   client,
		interval: opts.Interval,
		limiter:  opts.Limiter,
		logger:   opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
	if p.interval == 0 {
		p.interval = DefaultInterval
	}
	if p.interval < MinInterval {
		p.interval = MinInterval
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = Sleep
	}
	return p
}

// Poll checks target's most recent run until its conclusion is no longer
// pending or maxWait elapses. A run still pending (or absent) when the budget
// runs out is reported as unknown, stamped with the last check time. Settled
// runs are stamped with the run's own timestamp, so polling an unchanged
// system twice yields the same status.
func (p *Poller) Poll(ctx context.Context, target ci.WorkflowTarget, maxWait time.Duration) ci.RunStatus {
	return p.PollAfter(ctx, target, After{}, maxWait)
}

// ClockSkew is subtracted from After.Time before comparing it with run
// creation times reported by the CI system.
const ClockSkew = 30 * time.Second

// After marks which runs count as new. When RunID is set, only runs with a
// higher ID do. Otherwise runs created no earlier than Time minus ClockSkew
// do. The zero After admits every run.
type After struct {
	RunID int64
	Time  time.Time
}

func (a After) admits(r ci.Run) bool {
	if a.RunID > 0 {
		return r.ID > a.RunID
	}
	if a.Time.IsZero() {
		return true
	}
	return !r.CreatedAt.Before(a.Time.Add(-ClockSkew))
}

// PollAfter is Poll, except that runs not admitted by after are treated as
// not having appeared yet. The loop uses it right after triggering so the
// previous run's conclusion is not mistaken for the new one's.
func (p *Poller) PollAfter(ctx context.Context, target ci.WorkflowTarget, after After, maxWait time.Duration) ci.RunStatus {
	deadline := p.now().Add(maxWait)
	checks := 0
	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.logger.Debug("poll limiter", "workflow", target.Name, "error", err)
			}
		}

		checkedAt := p.now()
		checks++
		runs, err := p.client.ListRecentRuns(ctx, target.Name, target.Branch)
		var latest *ci.Run
		if err != nil {
			p.logger.Warn("poll query failed", "workflow", target.Name, "branch", target.Branch, "error", err)
		} else if len(runs) > 0 && after.admits(runs[0]) {
			latest = &runs[0]
		}

		if latest != nil && latest.Conclusion != ci.ConclusionPending {
			p.logger.Debug("poll settled",
				"workflow", target.Name, "branch", target.Branch,
				"conclusion", latest.Conclusion, "run_id", latest.ID, "checks", checks)
			return ci.RunStatus{
				Workflow:   target,
				Conclusion: latest.Conclusion,
				ObservedAt: latest.Timestamp(),
				RunID:      latest.ID,
			}
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 || ctx.Err() != nil {
			return p.inconclusive(target, checkedAt, latest, checks)
		}
		wait := p.interval
		if wait > remaining {
			wait = remaining
		}
		if err := p.sleep(ctx, wait); err != nil {
			return p.inconclusive(target, checkedAt, latest, checks)
		}
	}
}

// LatestRunID returns the ID of target's newest run, or 0 when it has none.
func (p *Poller) LatestRunID(ctx context.Context, target ci.WorkflowTarget) (int64, error) {
	runs, err := p.client.ListRecentRuns(ctx, target.Name, target.Branch)
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		return 0, nil
	}
	return runs[0].ID, nil
}

func (p *Poller) inconclusive(target ci.WorkflowTarget, checkedAt time.Time, latest *ci.Run, checks int) ci.RunStatus {
	st := ci.RunStatus{
		Workflow:   target,
		Conclusion: ci.ConclusionUnknown,
		ObservedAt: checkedAt,
	}
	if latest != nil {
		st.RunID = latest.ID
	}
	p.logger.Debug("poll inconclusive", "workflow", target.Name, "branch", target.Branch, "checks", checks)
	return st
}
