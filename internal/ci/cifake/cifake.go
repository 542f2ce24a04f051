// Package cifake provides an in-memory CI system for exercising the loop
// without a network. Runs complete the moment they are triggered, with
// conclusions taken from a per-target script.
package cifake

import (
	"context"
	"sync"
	"time"

	"github.com/lucasnoah/ciloop/internal/ci"
)

// Outcome is the scripted result of one triggered run.
type Outcome struct {
	Conclusion ci.Conclusion
	Log        string
}

// CI is a scriptable in-memory implementation of ci.Client and ci.SecretChecker.
type CI struct {
	mu sync.Mutex

	// Now supplies run timestamps. Defaults to time.Now.
	Now func() time.Time

	nextID     int64
	runs       map[ci.WorkflowTarget][]ci.Run
	scripts    map[ci.WorkflowTarget][]Outcome
	last       map[ci.WorkflowTarget]Outcome
	logs       map[int64]string
	secrets    map[string]bool
	triggerErr map[ci.WorkflowTarget]error
	listErr    error
	triggers   []ci.WorkflowTarget
	listCalls  int
}

// New returns an empty CI system.
func New() *CI {
	return &CI{
		runs:       make(map[ci.WorkflowTarget][]ci.Run),
		scripts:    make(map[ci.WorkflowTarget][]Outcome),
		last:       make(map[ci.WorkflowTarget]Outcome),
		logs:       make(map[int64]string),
		secrets:    make(map[string]bool),
		triggerErr: make(map[ci.WorkflowTarget]error),
	}
}

func (c *CI) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Script queues outcomes for successive triggers of target. Once the queue
// drains, the last outcome repeats. Unscripted targets succeed.
func (c *CI) Script(target ci.WorkflowTarget, outcomes ...Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[target] = append(c.scripts[target], outcomes...)
}

// SetTriggerError makes every trigger of target fail with err. A nil err clears it.
func (c *CI) SetTriggerError(target ci.WorkflowTarget, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.triggerErr, target)
		return
	}
	c.triggerErr[target] = err
}

// SetListError makes ListRecentRuns fail for every target.
func (c *CI) SetListError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listErr = err
}

// SetSecret records whether a secret is present.
func (c *CI) SetSecret(name string, present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[name] = present
}

// AddRun seeds run history for target without counting as a trigger.
func (c *CI) AddRun(target ci.WorkflowTarget, conclusion ci.Conclusion, log string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addRunLocked(target, Outcome{Conclusion: conclusion, Log: log})
}

func (c *CI) addRunLocked(target ci.WorkflowTarget, o Outcome) int64 {
	c.nextID++
	ts := c.now()
	run := ci.Run{ID: c.nextID, Conclusion: o.Conclusion, CreatedAt: ts, UpdatedAt: ts}
	c.runs[target] = append([]ci.Run{run}, c.runs[target]...)
	if o.Log != "" {
		c.logs[run.ID] = o.Log
	}
	return run.ID
}

// TriggerRun implements ci.Client.
func (c *CI) TriggerRun(ctx context.Context, workflow, branch string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := ci.WorkflowTarget{Name: workflow, Branch: branch}
	if err := c.triggerErr[target]; err != nil {
		return err
	}
	c.triggers = append(c.triggers, target)

	o, ok := c.last[target]
	if !ok {
		o = Outcome{Conclusion: ci.ConclusionSuccess}
	}
	if queue := c.scripts[target]; len(queue) > 0 {
		o = queue[0]
		c.scripts[target] = queue[1:]
	}
	c.last[target] = o
	c.addRunLocked(target, o)
	return nil
}

// ListRecentRuns implements ci.Client.
func (c *CI) ListRecentRuns(ctx context.Context, workflow, branch string) ([]ci.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	runs := c.runs[ci.WorkflowTarget{Name: workflow, Branch: branch}]
	out := make([]ci.Run, len(runs))
	copy(out, runs)
	return out, nil
}

// FetchRunLog implements ci.Client.
func (c *CI) FetchRunLog(ctx context.Context, runID int64) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log, ok := c.logs[runID]
	return log, ok && log != "", nil
}

// SecretExists implements ci.SecretChecker.
func (c *CI) SecretExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secrets[name], nil
}

// Triggers returns every successful trigger in order.
func (c *CI) Triggers() []ci.WorkflowTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ci.WorkflowTarget, len(c.triggers))
	copy(out, c.triggers)
	return out
}

// ListCalls returns how many times ListRecentRuns was called.
func (c *CI) ListCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}
