// Package loop drives the remediation loop: check secrets, trigger every
// target, wait, poll, classify failures, decide, and back off before the
// next attempt. Every retry is a full attempt recorded in the audit trail;
// nothing below the controller retries on its own.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/classify"
	"github.com/lucasnoah/ciloop/internal/poll"
	"github.com/lucasnoah/ciloop/internal/trigger"
)

// State is a step of the controller's state machine.
type State string

const (
	StateInit            State = "INIT"
	StateCheckingSecrets State = "CHECKING_SECRETS"
	StateTriggering      State = "TRIGGERING"
	StateWaiting         State = "WAITING"
	StatePolling         State = "POLLING"
	StateClassifying     State = "CLASSIFYING"
	StateDeciding        State = "DECIDING"
	StateSleeping        State = "SLEEPING"
	StateDone            State = "DONE"
)

// SecretPolicy decides what a missing required secret does to an attempt.
type SecretPolicy string

const (
	// SecretPolicyWarn records the gap and proceeds.
	SecretPolicyWarn SecretPolicy = "warn"
	// SecretPolicySkipTrigger records the gap and skips triggering for the attempt.
	SecretPolicySkipTrigger SecretPolicy = "skip_trigger"
)

// Defaults for Options fields left zero. DefaultSettle is the configured
// default; a zero Options.Settle means no pause.
const (
	DefaultMaxAttempts = 5
	DefaultWait        = 10 * time.Minute
	DefaultSettle      = time.Minute
)

// Options configures one loop invocation.
type Options struct {
	Targets     []ci.WorkflowTarget
	MaxAttempts int
	// Wait is the per-attempt ceiling shared by WAITING and POLLING.
	Wait time.Duration
	// Settle is the pause before the first poll, capped at Wait. Zero polls
	// right away.
	Settle          time.Duration
	Backoff         Backoff
	RequiredSecrets []string
	SecretPolicy    SecretPolicy
	// Concurrency caps the per-attempt fan-out. Zero means one goroutine per target.
	Concurrency int
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Wait == 0 {
		o.Wait = DefaultWait
	}
	if o.Settle > o.Wait {
		o.Settle = o.Wait
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = DefaultBackoff
	}
	if o.SecretPolicy == "" {
		o.SecretPolicy = SecretPolicyWarn
	}
	if o.Concurrency <= 0 {
		o.Concurrency = len(o.Targets)
	}
}

func (o *Options) validate() error {
	if len(o.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	seen := make(map[ci.WorkflowTarget]bool)
	for _, t := range o.Targets {
		if t.Name == "" || t.Branch == "" {
			return fmt.Errorf("invalid target %q: name and branch are required", t.String())
		}
		if seen[t] {
			return fmt.Errorf("duplicate target %s", t)
		}
		seen[t] = true
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.Wait < 0 || o.Settle < 0 {
		return errors.New("wait and settle must not be negative")
	}
	switch o.SecretPolicy {
	case SecretPolicyWarn, SecretPolicySkipTrigger:
	default:
		return fmt.Errorf("unknown secret policy %q", o.SecretPolicy)
	}
	return nil
}

// Recorder receives every completed attempt.
type Recorder interface {
	RecordAttempt(ctx context.Context, runID string, report AttemptReport) error
}

// LifecycleRecorder is a Recorder that also wants the loop's start and end.
type LifecycleRecorder interface {
	Recorder
	StartLoop(ctx context.Context, runID string, state *LoopState) error
	FinishLoop(ctx context.Context, runID string, result *Result) error
}

// Result is what a finished (or cancelled) loop hands back.
type Result struct {
	RunID     string          `json:"run_id"`
	Success   bool            `json:"success"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Attempts  []AttemptReport `json:"attempts"`
	State     *LoopState      `json:"-"`
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Client     ci.Client
	Secrets    ci.SecretChecker
	Trigger    *trigger.Trigger
	Poller     *poll.Poller
	Classifier *classify.Classifier
	Recorders  []Recorder
	Logger     *slog.Logger
	Now        func() time.Time
	Sleep      poll.SleepFunc
	// NewRunID overrides run ID generation. Defaults to a random UUID.
	NewRunID func() string
}

// Controller runs the remediation loop.
type Controller struct {
	opts Options
	deps Deps
	log  *slog.Logger
}

// NewController creates a Controller. Trigger and Poller default to ones
// built over deps.Client.
func NewController(opts Options, deps Deps) *Controller {
	opts.Targets = append([]ci.WorkflowTarget(nil), opts.Targets...)
	opts.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = poll.Sleep
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if deps.Trigger == nil {
		deps.Trigger = trigger.New(deps.Client, deps.Logger)
	}
	if deps.Poller == nil {
		deps.Poller = poll.New(deps.Client, poll.Options{Logger: deps.Logger, Now: deps.Now, Sleep: deps.Sleep})
	}
	return &Controller{opts: opts, deps: deps, log: deps.Logger}
}

// Options returns the effective options after defaults.
func (c *Controller) Options() Options {
	return c.opts
}

// attempt carries the in-progress report and scratch data between states.
type attempt struct {
	report       AttemptReport
	triggerStart time.Time
	waitStart    time.Time
	triggered    map[ci.WorkflowTarget]bool
	// baseline is each triggered target's newest run ID before the trigger.
	baseline map[ci.WorkflowTarget]int64
}

// Run executes attempts until every target succeeds, max attempts is
// reached, or ctx ends. Exhaustion is not an error: callers inspect
// Result.Success. Cancellation is checked before each state transition;
// calls already in flight against the CI system are allowed to finish, and
// an attempt interrupted before DECIDING is discarded.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	if c.deps.Client == nil {
		return nil, errors.New("ci client is required")
	}
	if c.deps.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if err := c.opts.validate(); err != nil {
		return nil, err
	}

	runID := c.deps.NewRunID()
	log := c.log.With("run_id", runID)
	st := &LoopState{
		Targets:     c.opts.Targets,
		MaxAttempts: c.opts.MaxAttempts,
		Attempts:    []AttemptReport{},
	}
	res := &Result{RunID: runID, State: st}

	// External calls run detached from ctx so cancellation never cuts one short.
	callCtx := context.WithoutCancel(ctx)

	var cur *attempt
	state := StateInit
	for state != StateDone {
		if ctx.Err() != nil {
			res.Cancelled = true
			if cur != nil {
				log.Warn("loop cancelled, discarding unfinished attempt", "attempt", cur.report.AttemptNumber, "state", state)
			} else {
				log.Warn("loop cancelled", "state", state)
			}
			break
		}
		log.Debug("state", "state", state, "attempts", len(st.Attempts))

		switch state {
		case StateInit:
			c.startRecorders(callCtx, runID, st, log)
			log.Info("loop started", "targets", len(st.Targets), "max_attempts", st.MaxAttempts)
			state = StateCheckingSecrets

		case StateCheckingSecrets:
			cur = c.newAttempt(len(st.Attempts) + 1)
			log.Info("attempt started", "attempt", cur.report.AttemptNumber, "max_attempts", st.MaxAttempts)
			c.checkSecrets(callCtx, cur, log)
			state = StateTriggering

		case StateTriggering:
			c.triggerAll(callCtx, cur, log)
			state = StateWaiting

		case StateWaiting:
			cur.waitStart = c.deps.Now()
			if c.opts.Settle > 0 {
				if err := c.deps.Sleep(ctx, c.opts.Settle); err != nil {
					log.Debug("wait interrupted", "error", err)
				}
			}
			state = StatePolling

		case StatePolling:
			budget := c.opts.Wait - c.deps.Now().Sub(cur.waitStart)
			if budget < 0 {
				budget = 0
			}
			c.pollAll(callCtx, cur, budget)
			state = StateClassifying

		case StateClassifying:
			c.classifyFailures(callCtx, cur, st.Latest(), log)
			state = StateDeciding

		case StateDeciding:
			cur.report.Outcome = ComputeOutcome(cur.report.RunStatuses)
			st.appendAttempt(cur.report)
			attemptsTotal.WithLabelValues(string(cur.report.Outcome)).Inc()
			c.record(callCtx, runID, cur.report, log)

			if st.Terminal {
				log.Info("decision", "attempt", cur.report.AttemptNumber, "outcome", cur.report.Outcome, "next", StateDone)
				state = StateDone
			} else {
				log.Info("decision", "attempt", cur.report.AttemptNumber, "outcome", cur.report.Outcome,
					"next_delay", c.opts.Backoff.Delay(cur.report.AttemptNumber))
				state = StateSleeping
			}
			cur = nil

		case StateSleeping:
			delay := c.opts.Backoff.Delay(len(st.Attempts))
			if err := c.deps.Sleep(ctx, delay); err != nil {
				log.Debug("backoff interrupted", "error", err)
			}
			state = StateCheckingSecrets
		}
	}

	res.Attempts = st.Attempts
	res.Success = st.Succeeded()

	result := "exhausted"
	switch {
	case res.Success:
		result = "success"
	case res.Cancelled:
		result = "cancelled"
	}
	loopsTotal.WithLabelValues(result).Inc()
	log.Info("loop done", "success", res.Success, "cancelled", res.Cancelled, "attempts", len(st.Attempts))

	c.finishRecorders(callCtx, runID, res, log)
	return res, nil
}

func (c *Controller) newAttempt(n int) *attempt {
	return &attempt{
		report: AttemptReport{
			AttemptNumber:      n,
			Timestamp:          c.deps.Now().UTC(),
			SecretStatus:       SecretStatus{},
			Triggered:          []ci.WorkflowTarget{},
			ClassifiedFailures: map[string][]string{},
		},
		triggered: make(map[ci.WorkflowTarget]bool),
		baseline:  make(map[ci.WorkflowTarget]int64),
	}
}

// checkSecrets snapshots required-secret presence. Missing secrets are
// warnings; the attempt always continues.
func (c *Controller) checkSecrets(ctx context.Context, cur *attempt, log *slog.Logger) {
	for _, name := range c.opts.RequiredSecrets {
		if c.deps.Secrets == nil {
			cur.report.SecretStatus[name] = false
			cur.report.Warnings = append(cur.report.Warnings, fmt.Sprintf("secret %s: no secret checker configured", name))
			continue
		}
		ok, err := c.deps.Secrets.SecretExists(ctx, name)
		if err != nil {
			cur.report.SecretStatus[name] = false
			cur.report.Warnings = append(cur.report.Warnings, fmt.Sprintf("secret %s: check failed: %v", name, err))
			log.Warn("secret check failed", "secret", name, "error", err)
			continue
		}
		cur.report.SecretStatus[name] = ok
		if !ok {
			cur.report.Warnings = append(cur.report.Warnings, fmt.Sprintf("required secret %s is missing", name))
			log.Warn("required secret missing", "secret", name, "attempt", cur.report.AttemptNumber)
		}
	}
}

// triggerAll fires every target concurrently. Rejections are recorded and
// the attempt goes on; an untriggered target is polled as whatever its last
// run was. Each target's newest run ID is noted first so polling can tell
// the new run from the one it replaces.
func (c *Controller) triggerAll(ctx context.Context, cur *attempt, log *slog.Logger) {
	cur.triggerStart = c.deps.Now()

	if c.opts.SecretPolicy == SecretPolicySkipTrigger {
		if missing := cur.report.SecretStatus.Missing(c.opts.RequiredSecrets); len(missing) > 0 {
			cur.report.Warnings = append(cur.report.Warnings,
				fmt.Sprintf("triggering skipped: missing secrets %v", missing))
			log.Warn("triggering skipped", "missing_secrets", missing, "attempt", cur.report.AttemptNumber)
			return
		}
	}

	errs := make([]error, len(c.opts.Targets))
	baseline := make([]int64, len(c.opts.Targets))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, t := range c.opts.Targets {
		i, t := i, t
		g.Go(func() error {
			id, err := c.deps.Poller.LatestRunID(ctx, t)
			if err != nil {
				log.Debug("baseline run lookup failed", "workflow", t.Name, "branch", t.Branch, "error", err)
			}
			baseline[i] = id
			errs[i] = c.deps.Trigger.Fire(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range c.opts.Targets {
		if errs[i] == nil {
			cur.report.Triggered = append(cur.report.Triggered, t)
			cur.triggered[t] = true
			cur.baseline[t] = baseline[i]
			continue
		}
		if cur.report.TriggerErrors == nil {
			cur.report.TriggerErrors = make(map[string]string)
		}
		cur.report.TriggerErrors[t.String()] = errs[i].Error()
		kind := trigger.KindOther
		var terr *trigger.Error
		if errors.As(errs[i], &terr) {
			kind = terr.Kind
		}
		triggerErrorsTotal.WithLabelValues(string(kind)).Inc()
	}
}

// pollAll polls every target concurrently, each within budget. The result
// has exactly one status per target, in target order.
func (c *Controller) pollAll(ctx context.Context, cur *attempt, budget time.Duration) {
	statuses := make([]ci.RunStatus, len(c.opts.Targets))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, t := range c.opts.Targets {
		i, t := i, t
		var after poll.After
		if cur.triggered[t] {
			after = poll.After{RunID: cur.baseline[t], Time: cur.triggerStart}
		}
		g.Go(func() error {
			start := time.Now()
			statuses[i] = c.deps.Poller.PollAfter(ctx, t, after, budget)
			pollSeconds.Observe(time.Since(start).Seconds())
			return nil
		})
	}
	_ = g.Wait()
	cur.report.RunStatuses = statuses
}

// classifyFailures fetches logs for failed targets and tags them. Success
// and unknown conclusions are not classified.
func (c *Controller) classifyFailures(ctx context.Context, cur *attempt, prev *AttemptReport, log *slog.Logger) {
	type classified struct {
		tags   []string
		digest string
		warn   string
	}
	results := make([]classified, len(cur.report.RunStatuses))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, st := range cur.report.RunStatuses {
		if st.Conclusion != ci.ConclusionFailure {
			continue
		}
		i, st := i, st
		g.Go(func() error {
			var raw string
			if st.RunID > 0 {
				text, ok, err := c.deps.Client.FetchRunLog(ctx, st.RunID)
				switch {
				case err != nil:
					results[i].warn = fmt.Sprintf("log for %s (run %d) unavailable: %v", st.Workflow, st.RunID, err)
				case ok:
					raw = text
				}
			}
			results[i].tags = c.deps.Classifier.ClassifyOrUnknown(st.Workflow, raw)
			results[i].digest = classify.Digest(raw)
			return nil
		})
	}
	_ = g.Wait()

	seenTags := make(map[string]bool)
	for i, st := range cur.report.RunStatuses {
		if st.Conclusion != ci.ConclusionFailure {
			continue
		}
		key := st.Workflow.String()
		r := results[i]
		if r.warn != "" {
			cur.report.Warnings = append(cur.report.Warnings, r.warn)
			log.Warn("run log unavailable", "workflow", st.Workflow.Name, "branch", st.Workflow.Branch, "run_id", st.RunID)
		}
		cur.report.ClassifiedFailures[key] = r.tags
		for _, tag := range r.tags {
			seenTags[tag] = true
			classifiedFailuresTotal.WithLabelValues(tag).Inc()
		}
		log.Info("classified failure", "workflow", st.Workflow.Name, "branch", st.Workflow.Branch, "tags", r.tags)

		if r.digest == "" {
			continue
		}
		if cur.report.FailureDigests == nil {
			cur.report.FailureDigests = make(map[string]string)
		}
		cur.report.FailureDigests[key] = r.digest
		if prev != nil && prev.FailureDigests[key] == r.digest {
			cur.report.RepeatedFailures = append(cur.report.RepeatedFailures, key)
			log.Warn("identical failure repeated", "workflow", st.Workflow.Name, "branch", st.Workflow.Branch)
		}
	}

	if len(seenTags) > 0 {
		tags := make([]string, 0, len(seenTags))
		for tag := range seenTags {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		cur.report.SuggestedFixes = make(map[string][]string, len(tags))
		for _, tag := range tags {
			if fixes := c.deps.Classifier.Fixes(tag); len(fixes) > 0 {
				cur.report.SuggestedFixes[tag] = fixes
			}
		}
	}
}

func (c *Controller) startRecorders(ctx context.Context, runID string, st *LoopState, log *slog.Logger) {
	for _, r := range c.deps.Recorders {
		lr, ok := r.(LifecycleRecorder)
		if !ok {
			continue
		}
		if err := lr.StartLoop(ctx, runID, st); err != nil {
			log.Warn("recorder start failed", "recorder", fmt.Sprintf("%T", r), "error", err)
		}
	}
}

func (c *Controller) record(ctx context.Context, runID string, report AttemptReport, log *slog.Logger) {
	for _, r := range c.deps.Recorders {
		if err := r.RecordAttempt(ctx, runID, report); err != nil {
			log.Warn("recording attempt failed", "recorder", fmt.Sprintf("%T", r), "attempt", report.AttemptNumber, "error", err)
		}
	}
}

func (c *Controller) finishRecorders(ctx context.Context, runID string, res *Result, log *slog.Logger) {
	for _, r := range c.deps.Recorders {
		lr, ok := r.(LifecycleRecorder)
		if !ok {
			continue
		}
		if err := lr.FinishLoop(ctx, runID, res); err != nil {
			log.Warn("recorder finish failed", "recorder", fmt.Sprintf("%T", r), "error", err)
		}
	}
}
