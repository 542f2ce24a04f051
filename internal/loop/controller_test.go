package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/ci/cifake"
	"github.com/lucasnoah/ciloop/internal/classify"
)

// testClock is a fake clock that advances only when slept on. It is safe for
// the controller's concurrent pollers.
type testClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
	// onSleep runs after each sleep, with the sleep's index.
	onSleep func(i int)
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	i := len(c.sleeps) - 1
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(i)
	}
	return ctx.Err()
}

func (c *testClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type memRecorder struct {
	mu       sync.Mutex
	reports  []AttemptReport
	started  []string
	finished []*Result
	err      error
}

func (r *memRecorder) RecordAttempt(ctx context.Context, runID string, report AttemptReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *memRecorder) StartLoop(ctx context.Context, runID string, st *LoopState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, runID)
	return r.err
}

func (r *memRecorder) FinishLoop(ctx context.Context, runID string, res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, res)
	return r.err
}

var (
	functions = ci.WorkflowTarget{Name: "deploy-functions.yml", Branch: "main"}
	container = ci.WorkflowTarget{Name: "deploy-container.yml", Branch: "main"}
	infra     = ci.WorkflowTarget{Name: "terraform.yml", Branch: "main"}
	targets   = []ci.WorkflowTarget{functions, container, infra}
)

func newTestController(t *testing.T, fake *cifake.CI, clock *testClock, opts Options, recs ...Recorder) *Controller {
	t.Helper()
	reg, err := classify.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	fake.Now = clock.Now
	if opts.Targets == nil {
		opts.Targets = targets
	}
	if opts.Wait == 0 {
		opts.Wait = 2 * time.Minute
	}
	if opts.Settle == 0 {
		opts.Settle = 30 * time.Second
	}
	return NewController(opts, Deps{
		Client:     fake,
		Secrets:    fake,
		Classifier: classify.New(reg),
		Recorders:  recs,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        clock.Now,
		Sleep:      clock.Sleep,
		NewRunID:   func() string { return "run-test" },
	})
}

func scriptAll(fake *cifake.CI, outcomes ...cifake.Outcome) {
	for _, tgt := range targets {
		fake.Script(tgt, outcomes...)
	}
}

func TestRun_AllFailEmptyLogsExhaustsAttempts(t *testing.T) {
	fake := cifake.New()
	scriptAll(fake, cifake.Outcome{Conclusion: ci.ConclusionFailure})
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 5}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Error("expected success = false")
	}
	if len(res.Attempts) != 5 {
		t.Fatalf("attempts = %d, want 5", len(res.Attempts))
	}
	for i, a := range res.Attempts {
		if a.AttemptNumber != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.AttemptNumber)
		}
		if a.Outcome != OutcomeAllFailed {
			t.Errorf("attempt %d outcome = %s", a.AttemptNumber, a.Outcome)
		}
		if len(a.ClassifiedFailures) != 3 {
			t.Errorf("attempt %d classified %d targets, want 3", a.AttemptNumber, len(a.ClassifiedFailures))
		}
		for _, tgt := range targets {
			got := a.ClassifiedFailures[tgt.String()]
			if !reflect.DeepEqual(got, []string{classify.UnknownFailure}) {
				t.Errorf("attempt %d %s tags = %v", a.AttemptNumber, tgt, got)
			}
		}
	}
	if !res.State.Terminal {
		t.Error("state should be terminal")
	}
	if got := len(fake.Triggers()); got != 15 {
		t.Errorf("triggers = %d, want 15", got)
	}
}

func TestRun_FailThenSucceed(t *testing.T) {
	fake := cifake.New()
	scriptAll(fake,
		cifake.Outcome{Conclusion: ci.ConclusionFailure, Log: "Error: google-github-actions/auth failed with: the GitHub Action workflow must specify exactly one of \"workload_identity_provider\" or \"credentials_json\""},
		cifake.Outcome{Conclusion: ci.ConclusionSuccess},
	)
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 5}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Error("expected success")
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Attempts))
	}
	if res.Attempts[0].Outcome != OutcomeAllFailed || res.Attempts[1].Outcome != OutcomeAllSucceeded {
		t.Errorf("outcomes = %s, %s", res.Attempts[0].Outcome, res.Attempts[1].Outcome)
	}
	if len(res.Attempts[1].ClassifiedFailures) != 0 {
		t.Errorf("successful attempt has classified failures: %v", res.Attempts[1].ClassifiedFailures)
	}
	if len(res.Attempts[0].SuggestedFixes) == 0 {
		t.Error("expected suggested fixes on the failed attempt")
	}
}

func TestRun_FirstAttemptSucceeds(t *testing.T) {
	fake := cifake.New()
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 3}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || len(res.Attempts) != 1 {
		t.Fatalf("success = %v, attempts = %d", res.Success, len(res.Attempts))
	}
	// only the settle pause; no backoff after a success
	if sleeps := clock.Sleeps(); len(sleeps) != 1 || sleeps[0] != 30*time.Second {
		t.Errorf("sleeps = %v", sleeps)
	}
}

func TestRun_MissingSecretStillTriggers(t *testing.T) {
	fake := cifake.New()
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{
		MaxAttempts:     1,
		RequiredSecrets: []string{"gcp_service_account"},
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a := res.Attempts[0]
	present, ok := a.SecretStatus["gcp_service_account"]
	if !ok || present {
		t.Errorf("secret_status = %v, want gcp_service_account=false", a.SecretStatus)
	}
	if len(a.Triggered) != 3 {
		t.Errorf("triggered = %v, want all 3 targets", a.Triggered)
	}
	if len(a.Warnings) == 0 {
		t.Error("expected a warning for the missing secret")
	}
}

func TestRun_PresentSecretRecordedTrue(t *testing.T) {
	fake := cifake.New()
	fake.SetSecret("gcp_service_account", true)
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{
		MaxAttempts:     1,
		RequiredSecrets: []string{"gcp_service_account"},
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Attempts[0].SecretStatus["gcp_service_account"] {
		t.Errorf("secret_status = %v", res.Attempts[0].SecretStatus)
	}
	if len(res.Attempts[0].Warnings) != 0 {
		t.Errorf("warnings = %v", res.Attempts[0].Warnings)
	}
}

func TestRun_SkipTriggerPolicy(t *testing.T) {
	fake := cifake.New()
	for _, tgt := range targets {
		fake.AddRun(tgt, ci.ConclusionFailure, "")
	}
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{
		MaxAttempts:     2,
		RequiredSecrets: []string{"gcp_service_account"},
		SecretPolicy:    SecretPolicySkipTrigger,
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := fake.Triggers(); len(got) != 0 {
		t.Errorf("triggers = %v, want none", got)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Attempts))
	}
	for _, a := range res.Attempts {
		if len(a.Triggered) != 0 {
			t.Errorf("attempt %d triggered %v", a.AttemptNumber, a.Triggered)
		}
		// the existing runs are still polled
		if len(a.RunStatuses) != 3 || a.Outcome != OutcomeAllFailed {
			t.Errorf("attempt %d statuses = %v outcome = %s", a.AttemptNumber, a.RunStatuses, a.Outcome)
		}
	}
}

func TestRun_BackoffBetweenAttempts(t *testing.T) {
	fake := cifake.New()
	scriptAll(fake, cifake.Outcome{Conclusion: ci.ConclusionFailure})
	clock := newTestClock()

	_, err := newTestController(t, fake, clock, Options{MaxAttempts: 4}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// settle, backoff, settle, backoff, settle, backoff, settle
	var backoffs []time.Duration
	for i, d := range clock.Sleeps() {
		if i%2 == 1 {
			backoffs = append(backoffs, d)
		}
	}
	want := []time.Duration{2 * time.Minute, 4 * time.Minute, 5 * time.Minute}
	if !reflect.DeepEqual(backoffs, want) {
		t.Errorf("backoffs = %v, want %v", backoffs, want)
	}
}

func TestRun_PartialSuccess(t *testing.T) {
	fake := cifake.New()
	fake.Script(infra, cifake.Outcome{Conclusion: ci.ConclusionFailure, Log: "Error acquiring the state lock"})
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Error("expected failure")
	}
	for _, a := range res.Attempts {
		if a.Outcome != OutcomePartialSuccess {
			t.Errorf("attempt %d outcome = %s", a.AttemptNumber, a.Outcome)
		}
		if _, ok := a.ClassifiedFailures[functions.String()]; ok {
			t.Errorf("successful target classified in attempt %d", a.AttemptNumber)
		}
		if got := a.ClassifiedFailures[infra.String()]; !reflect.DeepEqual(got, []string{"terraform_state_lock"}) {
			t.Errorf("attempt %d infra tags = %v", a.AttemptNumber, got)
		}
	}
	if got := res.Attempts[1].RepeatedFailures; !reflect.DeepEqual(got, []string{infra.String()}) {
		t.Errorf("repeated failures = %v", got)
	}
	if len(res.Attempts[0].RepeatedFailures) != 0 {
		t.Errorf("first attempt cannot repeat: %v", res.Attempts[0].RepeatedFailures)
	}
}

func TestRun_TriggerErrorRecorded(t *testing.T) {
	fake := cifake.New()
	fake.SetTriggerError(container, errors.New("HTTP 404: workflow not found"))
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 1}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a := res.Attempts[0]
	if len(a.Triggered) != 2 {
		t.Errorf("triggered = %v", a.Triggered)
	}
	if _, ok := a.TriggerErrors[container.String()]; !ok {
		t.Errorf("trigger errors = %v", a.TriggerErrors)
	}
	st, ok := a.Status(container)
	if !ok || st.Conclusion != ci.ConclusionUnknown {
		t.Errorf("container status = %+v", st)
	}
	if a.Outcome != OutcomePartialSuccess {
		t.Errorf("outcome = %s", a.Outcome)
	}
}

func TestRun_StatusesCoverEveryTargetInOrder(t *testing.T) {
	fake := cifake.New()
	fake.Script(container, cifake.Outcome{Conclusion: ci.ConclusionFailure})
	clock := newTestClock()

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 1}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := res.Attempts[0].RunStatuses
	if len(got) != len(targets) {
		t.Fatalf("statuses = %d", len(got))
	}
	for i, st := range got {
		if st.Workflow != targets[i] {
			t.Errorf("status %d is for %s, want %s", i, st.Workflow, targets[i])
		}
	}
}

func TestRun_RecordersCalled(t *testing.T) {
	fake := cifake.New()
	scriptAll(fake, cifake.Outcome{Conclusion: ci.ConclusionFailure}, cifake.Outcome{Conclusion: ci.ConclusionSuccess})
	clock := newTestClock()
	rec := &memRecorder{}

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 3}, rec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.reports) != 2 {
		t.Errorf("recorded %d attempts, want 2", len(rec.reports))
	}
	if !reflect.DeepEqual(rec.started, []string{"run-test"}) {
		t.Errorf("started = %v", rec.started)
	}
	if len(rec.finished) != 1 || rec.finished[0] != res {
		t.Errorf("finished = %v", rec.finished)
	}
}

func TestRun_RecorderErrorsAreNotFatal(t *testing.T) {
	fake := cifake.New()
	clock := newTestClock()
	rec := &memRecorder{err: errors.New("disk full")}

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 1}, rec).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Error("recorder failure should not affect the outcome")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	fake := cifake.New()
	clock := newTestClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 3}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Cancelled || res.Success {
		t.Errorf("cancelled = %v, success = %v", res.Cancelled, res.Success)
	}
	if len(res.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(res.Attempts))
	}
	if len(fake.Triggers()) != 0 {
		t.Error("nothing should be triggered")
	}
}

func TestRun_CancelledDuringBackoffKeepsCompletedAttempts(t *testing.T) {
	fake := cifake.New()
	scriptAll(fake, cifake.Outcome{Conclusion: ci.ConclusionFailure})
	clock := newTestClock()
	ctx, cancel := context.WithCancel(context.Background())
	// sleep 0 is the first settle, sleep 1 the first backoff
	clock.onSleep = func(i int) {
		if i == 1 {
			cancel()
		}
	}

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 5}).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Cancelled {
		t.Error("expected cancelled")
	}
	if len(res.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(res.Attempts))
	}
}

func TestRun_CancelledMidAttemptDropsIt(t *testing.T) {
	fake := cifake.New()
	clock := newTestClock()
	ctx, cancel := context.WithCancel(context.Background())
	clock.onSleep = func(i int) {
		if i == 0 {
			cancel()
		}
	}
	rec := &memRecorder{}

	res, err := newTestController(t, fake, clock, Options{MaxAttempts: 5}, rec).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Cancelled || len(res.Attempts) != 0 {
		t.Errorf("cancelled = %v, attempts = %d", res.Cancelled, len(res.Attempts))
	}
	// the triggers already sent are not undone
	if len(fake.Triggers()) != 3 {
		t.Errorf("triggers = %d, want 3", len(fake.Triggers()))
	}
	if len(rec.reports) != 0 || len(rec.finished) != 1 {
		t.Errorf("reports = %d, finished = %d", len(rec.reports), len(rec.finished))
	}
}

func TestRun_AtMostMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 6} {
		fake := cifake.New()
		scriptAll(fake, cifake.Outcome{Conclusion: ci.ConclusionFailure})
		res, err := newTestController(t, fake, newTestClock(), Options{MaxAttempts: n}).Run(context.Background())
		if err != nil {
			t.Fatalf("Run(%d): %v", n, err)
		}
		if len(res.Attempts) != n {
			t.Errorf("max %d: attempts = %d", n, len(res.Attempts))
		}
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"duplicate target", Options{Targets: []ci.WorkflowTarget{functions, functions}}},
		{"empty branch", Options{Targets: []ci.WorkflowTarget{{Name: "x.yml"}}}},
		{"negative attempts", Options{MaxAttempts: -1}},
		{"bad policy", Options{SecretPolicy: "abort"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestController(t, cifake.New(), newTestClock(), tt.opts).Run(context.Background())
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewController_Defaults(t *testing.T) {
	c := NewController(Options{Targets: targets, Settle: time.Hour}, Deps{Client: cifake.New()})
	o := c.Options()
	if o.MaxAttempts != DefaultMaxAttempts || o.Wait != DefaultWait {
		t.Errorf("defaults = %+v", o)
	}
	if o.Settle != o.Wait {
		t.Errorf("settle = %v, want capped to %v", o.Settle, o.Wait)
	}
	if o.Backoff != DefaultBackoff || o.SecretPolicy != SecretPolicyWarn || o.Concurrency != 3 {
		t.Errorf("defaults = %+v", o)
	}
}

// laggingCI accepts every trigger after the first without creating a run,
// the way a dispatched run takes a few seconds to appear on GitHub.
type laggingCI struct {
	*cifake.CI
	mu       sync.Mutex
	accepted int
}

func (l *laggingCI) TriggerRun(ctx context.Context, workflow, branch string) error {
	l.mu.Lock()
	l.accepted++
	n := l.accepted
	l.mu.Unlock()
	if n > 1 {
		return nil
	}
	return l.CI.TriggerRun(ctx, workflow, branch)
}

type failingSecrets struct{}

func (failingSecrets) SecretExists(ctx context.Context, name string) (bool, error) {
	return false, errors.New("HTTP 502: Bad Gateway")
}

func quietDeps(t *testing.T, client ci.Client, clock *testClock) Deps {
	t.Helper()
	reg, err := classify.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	return Deps{
		Client:     client,
		Classifier: classify.New(reg),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        clock.Now,
		Sleep:      clock.Sleep,
		NewRunID:   func() string { return "run-test" },
	}
}

func TestRun_ShortBackoffDoesNotReusePreviousRun(t *testing.T) {
	fake := cifake.New()
	clock := newTestClock()
	fake.Now = clock.Now
	fake.Script(functions, cifake.Outcome{Conclusion: ci.ConclusionFailure})
	lag := &laggingCI{CI: fake}

	// The first run is only 15s old when attempt 2 polls, well inside the
	// clock-skew allowance.
	res, err := NewController(Options{
		Targets:     []ci.WorkflowTarget{functions},
		MaxAttempts: 2,
		Wait:        20 * time.Second,
		Settle:      5 * time.Second,
		Backoff:     Backoff{Base: 10 * time.Second, Max: 10 * time.Second},
	}, quietDeps(t, lag, clock)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(res.Attempts))
	}

	first := res.Attempts[0].RunStatuses[0]
	if first.Conclusion != ci.ConclusionFailure || first.RunID == 0 {
		t.Fatalf("attempt 1 status = %+v", first)
	}
	second := res.Attempts[1]
	if len(second.Triggered) != 1 {
		t.Fatalf("attempt 2 triggered = %v", second.Triggered)
	}
	st := second.RunStatuses[0]
	if st.Conclusion != ci.ConclusionUnknown || st.RunID != 0 {
		t.Errorf("attempt 2 status = %+v, want unknown with no run", st)
	}
	if len(second.ClassifiedFailures) != 0 {
		t.Errorf("attempt 2 classified %v", second.ClassifiedFailures)
	}
}

func TestRun_SecretCheckErrorWarnsOnce(t *testing.T) {
	clock := newTestClock()
	fake := cifake.New()
	fake.Now = clock.Now
	deps := quietDeps(t, fake, clock)
	deps.Secrets = failingSecrets{}

	res, err := NewController(Options{
		Targets:         targets,
		MaxAttempts:     1,
		RequiredSecrets: []string{"gcp_service_account"},
	}, deps).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a := res.Attempts[0]
	if present, ok := a.SecretStatus["gcp_service_account"]; !ok || present {
		t.Errorf("secret_status = %v", a.SecretStatus)
	}
	if len(a.Warnings) != 1 {
		t.Errorf("warnings = %q, want exactly one", a.Warnings)
	}
	if len(a.Triggered) != 3 {
		t.Errorf("triggered = %v", a.Triggered)
	}
}

func TestRun_ZeroSettlePollsRightAway(t *testing.T) {
	clock := newTestClock()
	fake := cifake.New()
	fake.Now = clock.Now

	c := NewController(Options{Targets: targets, MaxAttempts: 1}, quietDeps(t, fake, clock))
	if c.Options().Settle != 0 {
		t.Fatalf("settle = %s, want 0", c.Options().Settle)
	}
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res.Attempts)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 0 {
		t.Errorf("sleeps = %v, want none", sleeps)
	}
}
