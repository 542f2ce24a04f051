// Package ci holds the vocabulary shared by every part of the remediation
// loop: workflow targets, run conclusions, and the two collaborator
// contracts (the CI system and the secret store) the loop is written against.
package ci

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// WorkflowTarget identifies one CI workflow bound to a branch.
type WorkflowTarget struct {
	Name   string `json:"name" yaml:"name"`
	Branch string `json:"branch" yaml:"branch"`
}

// String returns the target as name@branch.
func (t WorkflowTarget) String() string {
	return t.Name + "@" + t.Branch
}

// ParseTarget parses "name@branch". When the branch part is omitted,
// defaultBranch is used.
func ParseTarget(s string, defaultBranch string) (WorkflowTarget, error) {
	s = strings.TrimSpace(s)
	name, branch, found := strings.Cut(s, "@")
	if !found {
		branch = defaultBranch
	}
	name = strings.TrimSpace(name)
	branch = strings.TrimSpace(branch)
	if name == "" {
		return WorkflowTarget{}, fmt.Errorf("invalid target %q: workflow name is required", s)
	}
	if branch == "" {
		return WorkflowTarget{}, fmt.Errorf("invalid target %q: branch is required", s)
	}
	return WorkflowTarget{Name: name, Branch: branch}, nil
}

// Conclusion is the terminal (or inconclusive) result of one run.
type Conclusion string

const (
	ConclusionSuccess Conclusion = "success"
	ConclusionFailure Conclusion = "failure"
	ConclusionPending Conclusion = "pending"
	ConclusionUnknown Conclusion = "unknown"
)

// Run is one entry of a workflow's run history.
type Run struct {
	ID         int64      `json:"id"`
	Conclusion Conclusion `json:"conclusion"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Timestamp is the most recent time the CI system reports for the run.
func (r Run) Timestamp() time.Time {
	if r.UpdatedAt.IsZero() {
		return r.CreatedAt
	}
	return r.UpdatedAt
}

// RunStatus is what the poller reports for one target in one attempt.
type RunStatus struct {
	Workflow   WorkflowTarget `json:"workflow"`
	Conclusion Conclusion     `json:"conclusion"`
	ObservedAt time.Time      `json:"observed_at"`
	RunID      int64          `json:"run_id,omitempty"`
}

// Client is the CI system's query/trigger API.
type Client interface {
	// ListRecentRuns returns the workflow's runs on branch, most recent first.
	ListRecentRuns(ctx context.Context, workflow, branch string) ([]Run, error)
	// TriggerRun asks the CI system to start a new run. It does not wait.
	TriggerRun(ctx context.Context, workflow, branch string) error
	// FetchRunLog returns the run's log. ok is false when no log is available.
	FetchRunLog(ctx context.Context, runID int64) (log string, ok bool, err error)
}

// SecretChecker reports whether a named secret is configured.
type SecretChecker interface {
	SecretExists(ctx context.Context, name string) (bool, error)
}
