package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/loop"
)

const validConfig = `
loop:
  repo: acme/infra
  branch: main
  max_attempts: 4
  wait: 15m
  settle: 2m
  poll_interval: 20s
  poll_rate: 2
  backoff:
    base: 1m
    max: 8m
  secret_policy: skip_trigger
  required_secrets:
    - gcp_service_account
    - gcp_project_id
  lock: false
  targets:
    - name: deploy-functions.yml
    - name: deploy-container.yml
      branch: release
  audit:
    dir: /var/lib/ciloop/runs
    database: postgres://ciloop@db/ciloop
    upload: gs://acme-audit/ciloop
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ciloop.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	l := cfg.Loop

	if l.Repo != "acme/infra" {
		t.Errorf("Repo = %q", l.Repo)
	}
	if l.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", l.MaxAttempts)
	}
	if l.Wait.D() != 15*time.Minute || l.Settle.D() != 2*time.Minute || l.PollInterval.D() != 20*time.Second {
		t.Errorf("durations = %s %s %s", l.Wait, l.Settle, l.PollInterval)
	}
	if l.Backoff.Base.D() != time.Minute || l.Backoff.Max.D() != 8*time.Minute {
		t.Errorf("backoff = %+v", l.Backoff)
	}
	if l.LockEnabled() {
		t.Error("lock should be disabled")
	}
	if len(l.RequiredSecrets) != 2 {
		t.Errorf("RequiredSecrets = %v", l.RequiredSecrets)
	}
	want := []ci.WorkflowTarget{
		{Name: "deploy-functions.yml", Branch: "main"},
		{Name: "deploy-container.yml", Branch: "release"},
	}
	got := l.WorkflowTargets()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("targets = %v, want %v", got, want)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("loop:\n  targets:\n    - name: deploy.yml\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	l := cfg.Loop
	if l.Branch != "main" || l.MaxAttempts != 5 || l.Wait.D() != 10*time.Minute {
		t.Errorf("defaults = %+v", l)
	}
	if l.PollInterval.D() != 30*time.Second {
		t.Errorf("poll interval = %s", l.PollInterval)
	}
	if l.Backoff.Base.D() != 2*time.Minute || l.Backoff.Max.D() != 5*time.Minute {
		t.Errorf("backoff = %+v", l.Backoff)
	}
	if l.SecretPolicy != "warn" {
		t.Errorf("secret policy = %q", l.SecretPolicy)
	}
	if len(l.RequiredSecrets) != 1 || l.RequiredSecrets[0] != "gcp_service_account" {
		t.Errorf("required secrets = %v", l.RequiredSecrets)
	}
	if !l.LockEnabled() {
		t.Error("lock should default to enabled")
	}
	if l.WorkflowsDir != ".github/workflows" {
		t.Errorf("workflows dir = %q", l.WorkflowsDir)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestSettle_UnsetVersusZero(t *testing.T) {
	cfg, err := Parse([]byte("loop:\n  targets:\n    - name: deploy.yml\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Loop.SettleDuration(); got != time.Minute {
		t.Errorf("unset settle = %s, want 1m", got)
	}

	cfg, err = Parse([]byte("loop:\n  settle: 0s\n  targets:\n    - name: deploy.yml\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Loop.SettleDuration(); got != 0 {
		t.Errorf("explicit 0s settle = %s, want 0", got)
	}
	if o := cfg.LoopOptions(cfg.Loop.WorkflowTargets()); o.Settle != 0 {
		t.Errorf("options settle = %s, want 0", o.Settle)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestExplicitEmptySecrets(t *testing.T) {
	cfg, err := Parse([]byte("loop:\n  required_secrets: []\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Loop.RequiredSecrets) != 0 {
		t.Errorf("required secrets = %v, want none", cfg.Loop.RequiredSecrets)
	}
}

func TestSchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "loop:\n  max_attemps: 3\n"},
		{"unknown top-level key", "pipeline:\n  name: x\nloop: {}\n"},
		{"bad policy", "loop:\n  secret_policy: abort\n"},
		{"zero attempts", "loop:\n  max_attempts: 0\n"},
		{"bad duration", "loop:\n  wait: ten minutes\n"},
		{"target without name", "loop:\n  targets:\n    - branch: main\n"},
		{"bad repo", "loop:\n  repo: not a repo\n"},
		{"bad upload", "loop:\n  audit:\n    upload: s3://bucket\n"},
		{"missing loop", "{}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Errorf("expected schema error for %q", tt.doc)
			}
		})
	}
}

func TestParse_NotYAML(t *testing.T) {
	_, err := Parse([]byte("loop: [unclosed"))
	if err == nil || !strings.Contains(err.Error(), "YAML") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Loop.MaxAttempts = -1
	cfg.Loop.Wait = Duration(500 * time.Millisecond)
	cfg.Loop.PollInterval = Duration(time.Millisecond)
	cfg.Loop.Backoff = Backoff{Base: Duration(time.Minute), Max: Duration(time.Second)}
	cfg.Loop.SecretPolicy = "abort"
	cfg.Loop.Targets = []Target{{Name: "a.yml"}, {Name: "a.yml", Branch: "main"}, {}}
	cfg.Loop.TargetsGlob = "[oops"
	cfg.Loop.Audit.Upload = "gs://"

	errs := Validate(cfg)
	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"loop.max_attempts",
		"loop.wait",
		"loop.poll_interval",
		"loop.backoff.max",
		"loop.secret_policy",
		"loop.targets[1]",
		"loop.targets[2].name",
		"loop.targets_glob",
		"loop.audit.upload",
	} {
		if !fields[want] {
			t.Errorf("missing validation error for %s (got %v)", want, errs)
		}
	}
}

func TestLoopOptions(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	targets := cfg.Loop.WorkflowTargets()
	o := cfg.LoopOptions(targets)
	if o.MaxAttempts != 4 || o.Wait != 15*time.Minute || o.Settle != 2*time.Minute {
		t.Errorf("options = %+v", o)
	}
	if o.Backoff != (loop.Backoff{Base: time.Minute, Max: 8 * time.Minute}) {
		t.Errorf("backoff = %+v", o.Backoff)
	}
	if o.SecretPolicy != loop.SecretPolicySkipTrigger {
		t.Errorf("policy = %s", o.SecretPolicy)
	}
	if len(o.Targets) != 2 {
		t.Errorf("targets = %v", o.Targets)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestLoadDefault_NotFound(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())
	_, _, err := LoadDefault()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadDefault_CurrentDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ciloop.yaml"), []byte(validConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if path != "ciloop.yaml" || cfg.Loop.Repo != "acme/infra" {
		t.Errorf("path = %q, repo = %q", path, cfg.Loop.Repo)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (testing.T.Chdir needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
