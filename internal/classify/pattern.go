package classify

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// UnknownFailure is the sentinel tag for a failure no pattern explains.
const UnknownFailure = "unknown_failure"

// unknownFixes are suggested whenever a failure falls through every pattern.
var unknownFixes = []string{
	"Inspect the failed steps manually: gh run view <run-id> --log-failed",
	"If the log is missing, the run may have failed before any job started (check workflow syntax and permissions)",
}

// Matcher reports whether a log exhibits a failure signature.
type Matcher interface {
	Match(log string) bool
}

// RegexMatcher matches when any of its expressions is found.
type RegexMatcher []*regexp.Regexp

func (m RegexMatcher) Match(log string) bool {
	for _, re := range m {
		if re.MatchString(log) {
			return true
		}
	}
	return false
}

// ContainsMatcher matches when any needle occurs, ignoring case.
// Needles are stored lower-cased.
type ContainsMatcher []string

// NewContainsMatcher lower-cases needles and drops empty ones.
func NewContainsMatcher(needles ...string) ContainsMatcher {
	var m ContainsMatcher
	for _, n := range needles {
		if n = strings.ToLower(n); n != "" {
			m = append(m, n)
		}
	}
	return m
}

func (m ContainsMatcher) Match(log string) bool {
	lower := strings.ToLower(log)
	for _, n := range m {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// AnyMatcher matches when any child matches.
type AnyMatcher []Matcher

func (m AnyMatcher) Match(log string) bool {
	for _, c := range m {
		if c.Match(log) {
			return true
		}
	}
	return false
}

// Pattern is one named failure signature with its remediation hints.
type Pattern struct {
	Tag            string
	Matcher        Matcher
	SuggestedFixes []string
	// Workflows restricts the pattern to workflow names matching any glob. Empty means all.
	Workflows []string
}

// appliesTo reports whether the pattern is scoped to workflow.
func (p Pattern) appliesTo(workflow string) bool {
	if len(p.Workflows) == 0 {
		return true
	}
	for _, g := range p.Workflows {
		if ok, _ := doublestar.Match(g, workflow); ok {
			return true
		}
	}
	return false
}

// Registry is an ordered, tag-unique set of patterns.
type Registry struct {
	patterns []Pattern
	byTag    map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]int)}
}

// Register adds p. Tags must be unique and unknown_failure is reserved.
func (r *Registry) Register(p Pattern) error {
	if p.Tag == "" {
		return fmt.Errorf("pattern tag is required")
	}
	if p.Tag == UnknownFailure {
		return fmt.Errorf("pattern tag %q is reserved", UnknownFailure)
	}
	if p.Matcher == nil {
		return fmt.Errorf("pattern %q: matcher is required", p.Tag)
	}
	if _, dup := r.byTag[p.Tag]; dup {
		return fmt.Errorf("duplicate pattern tag %q", p.Tag)
	}
	for _, g := range p.Workflows {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("pattern %q: invalid workflow glob %q", p.Tag, g)
		}
	}
	r.byTag[p.Tag] = len(r.patterns)
	r.patterns = append(r.patterns, p)
	return nil
}

// Patterns returns the registered patterns in registration order.
func (r *Registry) Patterns() []Pattern {
	out := make([]Pattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Lookup finds a pattern by tag.
func (r *Registry) Lookup(tag string) (Pattern, bool) {
	i, ok := r.byTag[tag]
	if !ok {
		return Pattern{}, false
	}
	return r.patterns[i], true
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	return len(r.patterns)
}

// patternFile is the YAML shape of a patterns file.
type patternFile struct {
	Patterns []patternSpec `yaml:"patterns"`
}

type patternSpec struct {
	Tag       string   `yaml:"tag"`
	Regex     []string `yaml:"regex"`
	Contains  []string `yaml:"contains"`
	Fixes     []string `yaml:"fixes"`
	Workflows []string `yaml:"workflows"`
}

func (s patternSpec) build() (Pattern, error) {
	var m AnyMatcher
	if len(s.Regex) > 0 {
		var rm RegexMatcher
		for _, expr := range s.Regex {
			re, err := regexp.Compile(expr)
			if err != nil {
				return Pattern{}, fmt.Errorf("pattern %q: compile regex %q: %w", s.Tag, expr, err)
			}
			rm = append(rm, re)
		}
		m = append(m, rm)
	}
	if cm := NewContainsMatcher(s.Contains...); len(cm) > 0 {
		m = append(m, cm)
	}
	if len(m) == 0 {
		return Pattern{}, fmt.Errorf("pattern %q: needs at least one regex or contains entry", s.Tag)
	}
	return Pattern{Tag: s.Tag, Matcher: m, SuggestedFixes: s.Fixes, Workflows: s.Workflows}, nil
}

// LoadYAML registers every pattern in a patterns document.
func (r *Registry) LoadYAML(data []byte) error {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing patterns YAML: %w", err)
	}
	for _, spec := range f.Patterns {
		p, err := spec.build()
		if err != nil {
			return err
		}
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile registers the patterns in the YAML file at path.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading patterns file: %w", err)
	}
	if err := r.LoadYAML(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

//go:embed patterns.yaml
var defaultPatterns []byte

// DefaultRegistry returns a registry holding the built-in patterns.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.LoadYAML(defaultPatterns); err != nil {
		return nil, fmt.Errorf("built-in patterns: %w", err)
	}
	return r, nil
}
