// Package classify tags failed CI runs with known failure signatures.
//
// Classification is data-driven: a Registry holds the patterns, and a
// Classifier applies every pattern independently to a run's log. Multiple
// tags may match the same log. The Classifier holds no state, so the same
// (target, log) pair always yields the same tags.
package classify

import (
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/lucasnoah/ciloop/internal/ci"
)

// Classifier applies a Registry to run logs.
type Classifier struct {
	reg *Registry
}

// New creates a Classifier over reg.
func New(reg *Registry) *Classifier {
	return &Classifier{reg: reg}
}

// Registry returns the patterns the classifier applies.
func (c *Classifier) Registry() *Registry {
	return c.reg
}

// Classify returns the sorted tags of every pattern matching rawLog.
// The result is empty when nothing matches or the log is blank.
func (c *Classifier) Classify(target ci.WorkflowTarget, rawLog string) []string {
	if strings.TrimSpace(rawLog) == "" {
		return nil
	}
	var tags []string
	for _, p := range c.reg.patterns {
		if !p.appliesTo(target.Name) {
			continue
		}
		if p.Matcher.Match(rawLog) {
			tags = append(tags, p.Tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// ClassifyOrUnknown is Classify with the unknown_failure fallback: the
// result is never empty.
func (c *Classifier) ClassifyOrUnknown(target ci.WorkflowTarget, rawLog string) []string {
	tags := c.Classify(target, rawLog)
	if len(tags) == 0 {
		return []string{UnknownFailure}
	}
	return tags
}

// Fixes returns the suggested remediation for tag.
func (c *Classifier) Fixes(tag string) []string {
	if tag == UnknownFailure {
		return append([]string(nil), unknownFixes...)
	}
	p, ok := c.reg.Lookup(tag)
	if !ok {
		return nil
	}
	return append([]string(nil), p.SuggestedFixes...)
}

// digestLen is how many bytes of the blake3 sum Digest keeps.
const digestLen = 16

// Digest fingerprints a log so identical failures can be recognized across
// attempts. Timestamps at the start of each line are dropped first because
// GitHub prefixes every log line with one. A blank log has no digest.
func Digest(rawLog string) string {
	if strings.TrimSpace(rawLog) == "" {
		return ""
	}
	h := blake3.New()
	for _, line := range strings.Split(rawLog, "\n") {
		h.Write([]byte(stripTimestamp(line)))
		h.Write([]byte{'\n'})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:digestLen])
}

// stripTimestamp removes an RFC 3339 timestamp token, which `gh run view
// --log-failed` places after the job and step columns.
func stripTimestamp(line string) string {
	fields := strings.Split(line, "\t")
	last := fields[len(fields)-1]
	if ts, rest, ok := strings.Cut(last, " "); ok && looksLikeTimestamp(ts) {
		fields[len(fields)-1] = rest
	} else if looksLikeTimestamp(last) {
		fields[len(fields)-1] = ""
	}
	return strings.Join(fields, "\t")
}

func looksLikeTimestamp(s string) bool {
	return len(s) >= 20 && s[4] == '-' && s[7] == '-' && s[10] == 'T' && strings.HasSuffix(s, "Z")
}
