// Package display renders loop progress for a human at a terminal.
package display

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/loop"
)

type scheme struct {
	ok, fail, warn, muted, bold *color.Color
}

func newScheme(enabled bool) *scheme {
	s := &scheme{
		ok:    color.New(color.FgGreen),
		fail:  color.New(color.FgRed),
		warn:  color.New(color.FgYellow),
		muted: color.New(color.FgHiBlack),
		bold:  color.New(color.Bold),
	}
	for _, c := range []*color.Color{s.ok, s.fail, s.warn, s.muted, s.bold} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// Printer writes human-readable output.
type Printer struct {
	w io.Writer
	c *scheme
}

// New returns a Printer writing to w, colored if useColor is set.
func New(w io.Writer, useColor bool) *Printer {
	return &Printer{w: w, c: newScheme(useColor)}
}

// ColorEnabled reports whether f is a terminal and NO_COLOR is unset.
func ColorEnabled(f *os.File) bool {
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *Printer) conclusion(c ci.Conclusion) string {
	switch c {
	case ci.ConclusionSuccess:
		return p.c.ok.Sprint(string(c))
	case ci.ConclusionFailure:
		return p.c.fail.Sprint(string(c))
	default:
		return p.c.warn.Sprint(string(c))
	}
}

func (p *Printer) outcome(o loop.Outcome) string {
	switch o {
	case loop.OutcomeAllSucceeded:
		return p.c.ok.Sprint(string(o))
	case loop.OutcomeAllFailed:
		return p.c.fail.Sprint(string(o))
	default:
		return p.c.warn.Sprint(string(o))
	}
}

// Attempt prints one attempt report.
func (p *Printer) Attempt(r loop.AttemptReport, maxAttempts int) {
	fmt.Fprintf(p.w, "%s %s\n",
		p.c.bold.Sprintf("Attempt %d/%d", r.AttemptNumber, maxAttempts),
		p.outcome(r.Outcome))

	for _, name := range r.SecretStatus.Missing(sortedSecrets(r.SecretStatus)) {
		fmt.Fprintf(p.w, "  %s secret %s is missing\n", p.c.warn.Sprint("!"), name)
	}

	width := 0
	for _, st := range r.RunStatuses {
		width = max(width, len(st.Workflow.String()))
	}
	for _, st := range r.RunStatuses {
		key := st.Workflow.String()
		line := fmt.Sprintf("  %-*s  %s", width, key, p.conclusion(st.Conclusion))
		if tags := r.ClassifiedFailures[key]; len(tags) > 0 {
			line += "  " + p.c.muted.Sprint(strings.Join(tags, ", "))
		}
		if msg, ok := r.TriggerErrors[key]; ok {
			line += "  " + p.c.warn.Sprint("trigger failed: "+msg)
		}
		fmt.Fprintln(p.w, line)
	}
	for _, key := range r.RepeatedFailures {
		fmt.Fprintf(p.w, "  %s %s failed the same way as last attempt\n", p.c.warn.Sprint("!"), key)
	}
}

// Fixes prints suggested remediation grouped by tag.
func (p *Printer) Fixes(fixes map[string][]string) {
	tags := make([]string, 0, len(fixes))
	for t := range fixes {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	for _, t := range tags {
		fmt.Fprintf(p.w, "  %s\n", p.c.bold.Sprint(t))
		for _, f := range fixes[t] {
			fmt.Fprintf(p.w, "    - %s\n", f)
		}
	}
}

// Summary prints the loop result.
func (p *Printer) Summary(res *loop.Result) {
	n := len(res.Attempts)
	switch {
	case res.Success:
		fmt.Fprintf(p.w, "%s all targets succeeded after %d attempt(s) (run %s)\n", p.c.ok.Sprint("✓"), n, res.RunID)
	case res.Cancelled:
		fmt.Fprintf(p.w, "%s cancelled after %d attempt(s) (run %s)\n", p.c.warn.Sprint("!"), n, res.RunID)
	default:
		fmt.Fprintf(p.w, "%s targets still failing after %d attempt(s) (run %s)\n", p.c.fail.Sprint("✗"), n, res.RunID)
	}
	if n > 0 && !res.Success {
		if last := res.Attempts[n-1]; len(last.SuggestedFixes) > 0 {
			fmt.Fprintln(p.w, "Suggested fixes:")
			p.Fixes(last.SuggestedFixes)
		}
	}
}

// Statuses prints one line per run status.
func (p *Printer) Statuses(statuses []ci.RunStatus) {
	width := 0
	for _, st := range statuses {
		width = max(width, len(st.Workflow.String()))
	}
	for _, st := range statuses {
		line := fmt.Sprintf("%-*s  %s", width, st.Workflow.String(), p.conclusion(st.Conclusion))
		if st.RunID > 0 {
			line += p.c.muted.Sprintf("  run %d", st.RunID)
		}
		fmt.Fprintln(p.w, line)
	}
}

// Tags prints classification tags with their fixes.
func (p *Printer) Tags(tags []string, fixes map[string][]string) {
	for _, t := range tags {
		fmt.Fprintln(p.w, p.c.bold.Sprint(t))
		for _, f := range fixes[t] {
			fmt.Fprintf(p.w, "  - %s\n", f)
		}
	}
}

func sortedSecrets(s loop.SecretStatus) []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reporter prints each attempt as the loop records it. It implements loop.Recorder.
type Reporter struct {
	P           *Printer
	MaxAttempts int
}

func (r *Reporter) RecordAttempt(ctx context.Context, runID string, report loop.AttemptReport) error {
	r.P.Attempt(report, r.MaxAttempts)
	return nil
}
