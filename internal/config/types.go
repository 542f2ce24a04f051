package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/loop"
)

// Config is the top-level configuration structure parsed from ciloop YAML.
type Config struct {
	Loop Loop `yaml:"loop" json:"loop"`
}

// Loop configures the remediation loop and everything around it.
type Loop struct {
	Repo        string   `yaml:"repo" json:"repo,omitempty"`
	Branch      string   `yaml:"branch" json:"branch"`
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	Wait        Duration `yaml:"wait" json:"wait"`
	// Settle is the pause before the first poll. Unset means one minute;
	// an explicit "0s" polls right away.
	Settle       *Duration `yaml:"settle" json:"settle"`
	PollInterval Duration  `yaml:"poll_interval" json:"poll_interval"`
	// PollRate caps status queries per second across all targets. Zero is unlimited.
	PollRate        float64  `yaml:"poll_rate" json:"poll_rate,omitempty"`
	Concurrency     int      `yaml:"concurrency" json:"concurrency,omitempty"`
	Backoff         Backoff  `yaml:"backoff" json:"backoff"`
	SecretPolicy    string   `yaml:"secret_policy" json:"secret_policy"`
	RequiredSecrets []string `yaml:"required_secrets" json:"required_secrets"`
	// SecretsEnv checks secrets of a deployment environment instead of the repository.
	SecretsEnv   string   `yaml:"secrets_env" json:"secrets_env,omitempty"`
	Lock         *bool    `yaml:"lock" json:"lock"`
	Targets      []Target `yaml:"targets" json:"targets,omitempty"`
	TargetsGlob  string   `yaml:"targets_glob" json:"targets_glob,omitempty"`
	WorkflowsDir string   `yaml:"workflows_dir" json:"workflows_dir"`
	PatternsFile string   `yaml:"patterns_file" json:"patterns_file,omitempty"`
	Audit        Audit    `yaml:"audit" json:"audit"`
}

// Backoff is the pause schedule between attempts.
type Backoff struct {
	Base Duration `yaml:"base" json:"base"`
	Max  Duration `yaml:"max" json:"max"`
}

// Target is one workflow to drive. An empty branch means Loop.Branch.
type Target struct {
	Name   string `yaml:"name" json:"name"`
	Branch string `yaml:"branch" json:"branch,omitempty"`
}

// Audit configures where attempt reports are recorded.
type Audit struct {
	// Dir holds one JSONL trail per run. Defaults to ~/.ciloop/runs.
	Dir string `yaml:"dir" json:"dir,omitempty"`
	// Database is a SQLite path or postgres:// DSN. Empty disables the SQL store.
	Database string `yaml:"database" json:"database,omitempty"`
	// Upload is a gs://bucket/prefix the run directory is copied to when the loop ends.
	Upload          string `yaml:"upload" json:"upload,omitempty"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file,omitempty"`
}

// SettleDuration returns Settle, or loop.DefaultSettle when it is unset.
func (l Loop) SettleDuration() time.Duration {
	if l.Settle == nil {
		return loop.DefaultSettle
	}
	return l.Settle.D()
}

// LockEnabled reports whether the cross-invocation lock is on (the default).
func (l Loop) LockEnabled() bool {
	return l.Lock == nil || *l.Lock
}

// WorkflowTargets resolves Targets against the default branch.
func (l Loop) WorkflowTargets() []ci.WorkflowTarget {
	out := make([]ci.WorkflowTarget, 0, len(l.Targets))
	for _, t := range l.Targets {
		branch := t.Branch
		if branch == "" {
			branch = l.Branch
		}
		out = append(out, ci.WorkflowTarget{Name: t.Name, Branch: branch})
	}
	return out
}

// Duration is a time.Duration written as "90s", "10m" in YAML.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", n.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
