package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/ciloop/internal/gcs"
	"github.com/lucasnoah/ciloop/internal/loop"
	"github.com/lucasnoah/ciloop/internal/poll"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("schema.json")
	})
	return schema, schemaErr
}

// ValidateSchema checks the raw YAML document against the embedded JSON
// Schema. It catches unknown keys and wrong types before decoding.
func ValidateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing config YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}

	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// Validate checks a loaded Config for semantic errors the schema cannot
// express. It returns every problem found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	l := cfg.Loop

	if l.Branch == "" {
		add("loop.branch", "is required")
	}
	if l.MaxAttempts < 1 {
		add("loop.max_attempts", "must be at least 1, got %d", l.MaxAttempts)
	}
	if l.Wait.D() <= 0 {
		add("loop.wait", "must be positive")
	}
	if l.SettleDuration() < 0 {
		add("loop.settle", "must not be negative")
	}
	if l.PollInterval.D() < poll.MinInterval {
		add("loop.poll_interval", "must be at least %s", poll.MinInterval)
	}
	if l.PollRate < 0 {
		add("loop.poll_rate", "must not be negative")
	}
	if l.Concurrency < 0 {
		add("loop.concurrency", "must not be negative")
	}
	if l.Backoff.Base.D() <= 0 {
		add("loop.backoff.base", "must be positive")
	}
	if l.Backoff.Max.D() > 0 && l.Backoff.Max.D() < l.Backoff.Base.D() {
		add("loop.backoff.max", "must not be less than backoff.base (%s)", l.Backoff.Base)
	}
	if l.Wait.D() > 0 && l.Wait.D() < time.Second {
		add("loop.wait", "must be at least 1s")
	}

	switch loop.SecretPolicy(l.SecretPolicy) {
	case loop.SecretPolicyWarn, loop.SecretPolicySkipTrigger:
	default:
		add("loop.secret_policy", "unknown policy %q (want warn or skip_trigger)", l.SecretPolicy)
	}
	for i, s := range l.RequiredSecrets {
		if s == "" {
			add(fmt.Sprintf("loop.required_secrets[%d]", i), "is empty")
		}
	}

	seen := make(map[string]int)
	for i, t := range l.WorkflowTargets() {
		field := fmt.Sprintf("loop.targets[%d]", i)
		if t.Name == "" {
			add(field+".name", "is required")
			continue
		}
		if prev, ok := seen[t.String()]; ok {
			add(field, "duplicate of loop.targets[%d] (%s)", prev, t)
			continue
		}
		seen[t.String()] = i
	}
	if l.TargetsGlob != "" && !doublestar.ValidatePattern(l.TargetsGlob) {
		add("loop.targets_glob", "invalid glob %q", l.TargetsGlob)
	}

	if l.Audit.Upload != "" {
		if _, err := gcs.ParseURL(l.Audit.Upload); err != nil {
			add("loop.audit.upload", "%v", err)
		}
	}

	return errs
}
