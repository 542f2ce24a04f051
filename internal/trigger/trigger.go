// Package trigger starts workflow runs. It never retries; a failed trigger
// is reported to the caller, which decides what to do on the next attempt.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lucasnoah/ciloop/internal/ci"
)

// Kind classifies why a trigger was rejected.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindOther       Kind = "other"
)

// Error is returned when the CI system does not accept a trigger request.
type Error struct {
	Target ci.WorkflowTarget
	Kind   Kind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("trigger %s (%s): %v", e.Target, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var kindMarkers = []struct {
	kind    Kind
	markers []string
}{
	{KindAuth, []string{"http 401", "http 403", "authentication", "bad credentials", "gh auth login", "resource not accessible"}},
	{KindNotFound, []string{"http 404", "could not find any workflows", "not found", "workflow does not have 'workflow_dispatch' trigger"}},
	{KindUnavailable, []string{"http 500", "http 502", "http 503", "http 504", "timeout", "connection refused", "connection reset", "no such host"}},
}

// classifyErr maps an error's text to a Kind.
func classifyErr(err error) Kind {
	msg := strings.ToLower(err.Error())
	for _, km := range kindMarkers {
		for _, m := range km.markers {
			if strings.Contains(msg, m) {
				return km.kind
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnavailable
	}
	return KindOther
}

// Trigger requests new runs from a CI system.
type Trigger struct {
	client ci.Client
	logger *slog.Logger
}

// New creates a Trigger. A nil logger uses slog.Default().
func New(client ci.Client, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{client: client, logger: logger}
}

// Fire asks the CI system to start a run of target. It returns once the
// request is accepted or rejected; it does not wait for the run.
func (t *Trigger) Fire(ctx context.Context, target ci.WorkflowTarget) error {
	if err := t.client.TriggerRun(ctx, target.Name, target.Branch); err != nil {
		terr := &Error{Target: target, Kind: classifyErr(err), Err: err}
		t.logger.Warn("trigger failed",
			"workflow", target.Name, "branch", target.Branch, "kind", terr.Kind, "error", err)
		return terr
	}
	t.logger.Debug("triggered", "workflow", target.Name, "branch", target.Branch)
	return nil
}
