package loop

import (
	"time"

	"github.com/lucasnoah/ciloop/internal/ci"
)

// Outcome summarizes one attempt across every target.
type Outcome string

const (
	OutcomeAllSucceeded   Outcome = "all_succeeded"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeAllFailed      Outcome = "all_failed"
)

// SecretStatus maps a required secret's name to whether it was present.
type SecretStatus map[string]bool

// Missing returns the absent secrets in the order given by names.
func (s SecretStatus) Missing(names []string) []string {
	var out []string
	for _, n := range names {
		if !s[n] {
			out = append(out, n)
		}
	}
	return out
}

// AttemptReport is the audit record of one attempt. It is never modified
// after it has been appended to a LoopState.
type AttemptReport struct {
	AttemptNumber      int                 `json:"attempt_number"`
	Timestamp          time.Time           `json:"timestamp"`
	SecretStatus       SecretStatus        `json:"secret_status"`
	Triggered          []ci.WorkflowTarget `json:"triggered"`
	RunStatuses        []ci.RunStatus      `json:"run_statuses"`
	ClassifiedFailures map[string][]string `json:"classified_failures"`
	Outcome            Outcome             `json:"outcome"`

	// TriggerErrors maps name@branch to the rejection message.
	TriggerErrors map[string]string `json:"trigger_errors,omitempty"`
	// SuggestedFixes maps each tag seen in this attempt to its remediation text.
	SuggestedFixes map[string][]string `json:"suggested_fixes,omitempty"`
	// FailureDigests maps name@branch to the fingerprint of its failure log.
	FailureDigests map[string]string `json:"failure_digests,omitempty"`
	// RepeatedFailures lists targets whose failure log is identical to the previous attempt's.
	RepeatedFailures []string `json:"repeated_failures,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// Status returns the RunStatus recorded for target.
func (r *AttemptReport) Status(target ci.WorkflowTarget) (ci.RunStatus, bool) {
	for _, st := range r.RunStatuses {
		if st.Workflow == target {
			return st, true
		}
	}
	return ci.RunStatus{}, false
}

// ComputeOutcome folds per-target conclusions into an attempt outcome:
// all success is all_succeeded, no success at all is all_failed, anything
// else is partial_success.
func ComputeOutcome(statuses []ci.RunStatus) Outcome {
	succeeded := 0
	for _, st := range statuses {
		if st.Conclusion == ci.ConclusionSuccess {
			succeeded++
		}
	}
	switch {
	case len(statuses) > 0 && succeeded == len(statuses):
		return OutcomeAllSucceeded
	case succeeded == 0:
		return OutcomeAllFailed
	default:
		return OutcomePartialSuccess
	}
}

// LoopState owns the audit trail of one loop invocation.
type LoopState struct {
	Targets     []ci.WorkflowTarget `json:"targets"`
	MaxAttempts int                 `json:"max_attempts"`
	Attempts    []AttemptReport     `json:"attempts"`
	Terminal    bool                `json:"terminal"`
}

// Latest returns the most recent attempt, or nil before the first one.
func (s *LoopState) Latest() *AttemptReport {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// appendAttempt adds r and recomputes Terminal.
func (s *LoopState) appendAttempt(r AttemptReport) {
	s.Attempts = append(s.Attempts, r)
	s.Terminal = r.Outcome == OutcomeAllSucceeded || len(s.Attempts) >= s.MaxAttempts
}

// Succeeded reports whether the latest attempt succeeded on every target.
func (s *LoopState) Succeeded() bool {
	latest := s.Latest()
	return latest != nil && latest.Outcome == OutcomeAllSucceeded
}
