package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/ciloop/internal/ci"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// DefaultRunLimit is how many recent runs ListRecentRuns asks for.
const DefaultRunLimit = 5

// Client talks to GitHub Actions through the gh CLI.
type Client struct {
	cmd CmdRunner

	// Repo is an optional OWNER/REPO passed as -R; empty means the current directory's repo.
	Repo string
	// Env scopes secret lookups to a deployment environment when set.
	Env string
	// RunLimit caps ListRecentRuns. Zero means DefaultRunLimit.
	RunLimit int
}

// NewClient creates a GitHub client bound to repo (may be empty).
func NewClient(cmd CmdRunner, repo string) *Client {
	return &Client{cmd: cmd, Repo: repo}
}

func (c *Client) withRepo(args []string) []string {
	if c.Repo != "" {
		args = append(args, "-R", c.Repo)
	}
	return args
}

// validateRef rejects names gh would parse as flags.
func validateRef(kind, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if strings.HasPrefix(v, "-") {
		return fmt.Errorf("invalid %s %q: must not start with -", kind, v)
	}
	return nil
}

// TriggerRun dispatches a workflow_dispatch run of workflow on branch.
func (c *Client) TriggerRun(ctx context.Context, workflow, branch string) error {
	if err := validateRef("workflow", workflow); err != nil {
		return err
	}
	if err := validateRef("branch", branch); err != nil {
		return err
	}
	args := c.withRepo([]string{"workflow", "run", workflow, "--ref", branch})
	_, err := c.cmd.Run(ctx, args...)
	return err
}

// ghRun is one element of `gh run list --json`.
type ghRun struct {
	DatabaseID int64     `json:"databaseId"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ListRecentRuns returns the workflow's most recent runs on branch, newest first.
func (c *Client) ListRecentRuns(ctx context.Context, workflow, branch string) ([]ci.Run, error) {
	if err := validateRef("workflow", workflow); err != nil {
		return nil, err
	}
	if err := validateRef("branch", branch); err != nil {
		return nil, err
	}
	limit := c.RunLimit
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	args := c.withRepo([]string{
		"run", "list",
		"--workflow", workflow,
		"--branch", branch,
		"--limit", strconv.Itoa(limit),
		"--json", "databaseId,status,conclusion,createdAt,updatedAt",
	})
	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s@%s: %w", workflow, branch, err)
	}
	if out == "" {
		return nil, nil
	}

	var raw []ghRun
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse run list JSON: %w", err)
	}

	runs := make([]ci.Run, 0, len(raw))
	for _, r := range raw {
		runs = append(runs, ci.Run{
			ID:         r.DatabaseID,
			Conclusion: mapConclusion(r.Status, r.Conclusion),
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return runs, nil
}

// failureConclusions are the GitHub conclusions that count as a failed run.
var failureConclusions = map[string]bool{
	"failure":         true,
	"cancelled":       true,
	"timed_out":       true,
	"startup_failure": true,
	"action_required": true,
}

// mapConclusion folds GitHub's status/conclusion pair into a ci.Conclusion.
func mapConclusion(status, conclusion string) ci.Conclusion {
	if status != "completed" {
		return ci.ConclusionPending
	}
	if conclusion == "success" {
		return ci.ConclusionSuccess
	}
	if failureConclusions[conclusion] {
		return ci.ConclusionFailure
	}
	return ci.ConclusionUnknown
}

// FetchRunLog returns the log of the run's failed steps. An empty log is
// reported as absent rather than an error.
func (c *Client) FetchRunLog(ctx context.Context, runID int64) (string, bool, error) {
	if runID <= 0 {
		return "", false, fmt.Errorf("invalid run id %d: must be positive", runID)
	}
	args := c.withRepo([]string{"run", "view", strconv.FormatInt(runID, 10), "--log-failed"})
	out, err := c.cmd.Run(ctx, args...)
	if err != nil {
		return "", false, fmt.Errorf("fetch log for run %d: %w", runID, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", false, nil
	}
	return out, true, nil
}

// ListSecrets returns the names of configured repository (or environment) secrets.
func (c *Client) ListSecrets(ctx context.Context) ([]string, error) {
	args := []string{"secret", "list", "--json", "name"}
	if c.Env != "" {
		args = append(args, "--env", c.Env)
	}
	out, err := c.cmd.Run(ctx, c.withRepo(args)...)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	var secrets []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(out), &secrets); err != nil {
		return nil, fmt.Errorf("parse secret list JSON: %w", err)
	}
	names := make([]string, 0, len(secrets))
	for _, s := range secrets {
		names = append(names, s.Name)
	}
	return names, nil
}

// SecretExists reports whether name is among the configured secrets.
// GitHub stores secret names upper-cased, so the comparison ignores case.
func (c *Client) SecretExists(ctx context.Context, name string) (bool, error) {
	names, err := c.ListSecrets(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true, nil
		}
	}
	return false, nil
}
