package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/loop"
	"github.com/lucasnoah/ciloop/internal/poll"
)

// ErrNotFound is returned by LoadDefault when no config file exists.
var ErrNotFound = errors.New("no ciloop config found")

// Default values applied to fields left unset.
const (
	DefaultBranch       = "main"
	DefaultWorkflowsDir = ".github/workflows"
)

// DefaultRequiredSecrets is used when required_secrets is absent.
var DefaultRequiredSecrets = []string{"gcp_service_account"}

// Load reads a config file, checks it against the schema, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Candidates returns the config search path: ./ciloop.yaml, ~/.ciloop/config.yaml.
func Candidates() []string {
	candidates := []string{"ciloop.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".ciloop", "config.yaml"))
	}
	return candidates
}

// LoadDefault loads the first config found on the search path and returns
// its path.
func LoadDefault() (*Config, string, error) {
	candidates := Candidates()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return nil, "", fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

func applyDefaults(cfg *Config) {
	l := &cfg.Loop
	if l.Branch == "" {
		l.Branch = DefaultBranch
	}
	if l.MaxAttempts == 0 {
		l.MaxAttempts = loop.DefaultMaxAttempts
	}
	if l.Wait == 0 {
		l.Wait = Duration(loop.DefaultWait)
	}
	if l.Settle == nil {
		settle := Duration(loop.DefaultSettle)
		l.Settle = &settle
	}
	if l.PollInterval == 0 {
		l.PollInterval = Duration(poll.DefaultInterval)
	}
	if l.Backoff.Base == 0 {
		l.Backoff.Base = Duration(loop.DefaultBackoff.Base)
	}
	if l.Backoff.Max == 0 {
		l.Backoff.Max = Duration(loop.DefaultBackoff.Max)
	}
	if l.SecretPolicy == "" {
		l.SecretPolicy = string(loop.SecretPolicyWarn)
	}
	if l.RequiredSecrets == nil {
		l.RequiredSecrets = append([]string(nil), DefaultRequiredSecrets...)
	}
	if l.WorkflowsDir == "" {
		l.WorkflowsDir = DefaultWorkflowsDir
	}
}

// LoopOptions converts the config into controller options for targets.
func (c *Config) LoopOptions(targets []ci.WorkflowTarget) loop.Options {
	l := c.Loop
	return loop.Options{
		Targets:         targets,
		MaxAttempts:     l.MaxAttempts,
		Wait:            l.Wait.D(),
		Settle:          min(l.SettleDuration(), l.Wait.D()),
		Backoff:         loop.Backoff{Base: l.Backoff.Base.D(), Max: l.Backoff.Max.D()},
		RequiredSecrets: l.RequiredSecrets,
		SecretPolicy:    loop.SecretPolicy(l.SecretPolicy),
		Concurrency:     l.Concurrency,
	}
}

// PollInterval returns the configured interval, never below poll.MinInterval.
func (c *Config) PollInterval() time.Duration {
	return max(c.Loop.PollInterval.D(), poll.MinInterval)
}
