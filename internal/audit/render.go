package audit

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/lucasnoah/ciloop/internal/loop"
)

// RenderMarkdown writes rec as a markdown report.
func RenderMarkdown(w io.Writer, rec *Record) error {
	var b strings.Builder
	info := rec.Info

	fmt.Fprintf(&b, "# ciloop run %s\n\n", info.RunID)
	if info.Repo != "" {
		fmt.Fprintf(&b, "- **Repository:** %s\n", info.Repo)
	}
	fmt.Fprintf(&b, "- **Status:** %s\n", info.Status)
	fmt.Fprintf(&b, "- **Attempts:** %d of %d\n", len(rec.Attempts), info.MaxAttempts)
	fmt.Fprintf(&b, "- **Started:** %s\n", formatTime(info.StartedAt))
	if info.FinishedAt != nil {
		fmt.Fprintf(&b, "- **Finished:** %s\n", formatTime(*info.FinishedAt))
	}
	if len(info.Targets) > 0 {
		names := make([]string, len(info.Targets))
		for i, t := range info.Targets {
			names[i] = "`" + t.String() + "`"
		}
		fmt.Fprintf(&b, "- **Targets:** %s\n", strings.Join(names, ", "))
	}

	for _, a := range rec.Attempts {
		writeAttempt(&b, a, info.MaxAttempts)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeAttempt(b *strings.Builder, a loop.AttemptReport, max int) {
	fmt.Fprintf(b, "\n## Attempt %d of %d: %s\n\n", a.AttemptNumber, max, a.Outcome)
	fmt.Fprintf(b, "Started %s.\n\n", formatTime(a.Timestamp))

	if len(a.SecretStatus) > 0 {
		names := make([]string, 0, len(a.SecretStatus))
		for n := range a.SecretStatus {
			names = append(names, n)
		}
		sort.Strings(names)
		b.WriteString("| Secret | Present |\n|---|---|\n")
		for _, n := range names {
			fmt.Fprintf(b, "| %s | %s |\n", n, yesNo(a.SecretStatus[n]))
		}
		b.WriteString("\n")
	}

	triggered := make(map[string]bool, len(a.Triggered))
	for _, t := range a.Triggered {
		triggered[t.String()] = true
	}
	b.WriteString("| Workflow | Branch | Triggered | Conclusion | Run | Tags |\n|---|---|---|---|---|---|\n")
	for _, st := range a.RunStatuses {
		key := st.Workflow.String()
		run := "-"
		if st.RunID > 0 {
			run = fmt.Sprintf("%d", st.RunID)
		}
		tags := strings.Join(a.ClassifiedFailures[key], ", ")
		if tags == "" {
			tags = "-"
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s | %s | %s |\n",
			st.Workflow.Name, st.Workflow.Branch, yesNo(triggered[key]), st.Conclusion, run, tags)
	}

	if len(a.TriggerErrors) > 0 {
		b.WriteString("\n**Trigger errors**\n\n")
		for _, k := range sortedKeys(a.TriggerErrors) {
			fmt.Fprintf(b, "- `%s`: %s\n", k, a.TriggerErrors[k])
		}
	}
	if len(a.RepeatedFailures) > 0 {
		b.WriteString("\n**Same failure as the previous attempt:** ")
		b.WriteString(strings.Join(a.RepeatedFailures, ", "))
		b.WriteString("\n")
	}
	if len(a.SuggestedFixes) > 0 {
		b.WriteString("\n**Suggested fixes**\n\n")
		for _, tag := range sortedKeys(a.SuggestedFixes) {
			fmt.Fprintf(b, "- %s\n", tag)
			for _, fix := range a.SuggestedFixes[tag] {
				fmt.Fprintf(b, "  - %s\n", fix)
			}
		}
	}
	if len(a.Warnings) > 0 {
		b.WriteString("\n**Warnings**\n\n")
		for _, w := range a.Warnings {
			fmt.Fprintf(b, "- %s\n", w)
		}
	}
}

// RenderHTML writes rec as a standalone HTML page.
func RenderHTML(w io.Writer, rec *Record) error {
	var md bytes.Buffer
	if err := RenderMarkdown(&md, rec); err != nil {
		return err
	}
	var body bytes.Buffer
	gm := goldmark.New(goldmark.WithExtensions(extension.Table))
	if err := gm.Convert(md.Bytes(), &body); err != nil {
		return fmt.Errorf("render html: %w", err)
	}

	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>ciloop run %s</title>
<style>
body { font-family: sans-serif; max-width: 60em; margin: 2em auto; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.2em 0.6em; }
</style>
</head>
<body>
%s</body>
</html>
`, html.EscapeString(rec.Info.RunID), body.String())
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
