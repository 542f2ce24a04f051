package display

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/loop"
)

var (
	fn = ci.WorkflowTarget{Name: "deploy-functions.yml", Branch: "main"}
	tf = ci.WorkflowTarget{Name: "terraform.yml", Branch: "main"}
)

func failedAttempt() loop.AttemptReport {
	return loop.AttemptReport{
		AttemptNumber: 2,
		Timestamp:     time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		SecretStatus:  loop.SecretStatus{"gcp_service_account": false},
		RunStatuses: []ci.RunStatus{
			{Workflow: fn, Conclusion: ci.ConclusionSuccess, RunID: 7},
			{Workflow: tf, Conclusion: ci.ConclusionFailure, RunID: 8},
		},
		ClassifiedFailures: map[string][]string{tf.String(): {"terraform_state_lock"}},
		Outcome:            loop.OutcomePartialSuccess,
		SuggestedFixes:     map[string][]string{"terraform_state_lock": {"terraform force-unlock <LOCK_ID>"}},
		RepeatedFailures:   []string{tf.String()},
	}
}

func TestAttempt_Plain(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).Attempt(failedAttempt(), 5)
	out := buf.String()

	assert.Contains(t, out, "Attempt 2/5 partial_success")
	assert.Contains(t, out, "secret gcp_service_account is missing")
	assert.Contains(t, out, "terraform.yml@main         failure  terraform_state_lock")
	assert.Contains(t, out, "failed the same way as last attempt")
	assert.NotContains(t, out, "\x1b[", "no escape codes without color")
}

func TestAttempt_Colored(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, true).Attempt(failedAttempt(), 5)
	assert.Contains(t, buf.String(), "\x1b[")
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name string
		res  *loop.Result
		want string
	}{
		{"success", &loop.Result{RunID: "r1", Success: true, Attempts: []loop.AttemptReport{{}}}, "all targets succeeded after 1 attempt(s)"},
		{"cancelled", &loop.Result{RunID: "r1", Cancelled: true}, "cancelled after 0 attempt(s)"},
		{"exhausted", &loop.Result{RunID: "r1", Attempts: []loop.AttemptReport{failedAttempt()}}, "still failing after 1 attempt(s)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			New(&buf, false).Summary(tt.res)
			assert.Contains(t, buf.String(), tt.want)
		})
	}

	var buf bytes.Buffer
	New(&buf, false).Summary(&loop.Result{RunID: "r1", Attempts: []loop.AttemptReport{failedAttempt()}})
	assert.Contains(t, buf.String(), "Suggested fixes:")
	assert.Contains(t, buf.String(), "terraform force-unlock")
}

func TestStatuses(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).Statuses([]ci.RunStatus{
		{Workflow: fn, Conclusion: ci.ConclusionUnknown},
		{Workflow: tf, Conclusion: ci.ConclusionSuccess, RunID: 42},
	})
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Equal(t, "deploy-functions.yml@main  unknown", string(lines[0]))
	assert.Equal(t, "terraform.yml@main         success  run 42", string(lines[1]))
}

func TestTags(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).Tags([]string{"a", "b"}, map[string][]string{"a": {"fix a"}})
	assert.Equal(t, "a\n  - fix a\nb\n", buf.String())
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	var r loop.Recorder = &Reporter{P: New(&buf, false), MaxAttempts: 3}
	require.NoError(t, r.RecordAttempt(context.Background(), "r1", failedAttempt()))
	assert.Contains(t, buf.String(), "Attempt 2/3")
}
