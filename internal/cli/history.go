package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciloop/internal/audit"
	"github.com/lucasnoah/ciloop/internal/config"
	"github.com/lucasnoah/ciloop/internal/db"
	"github.com/lucasnoah/ciloop/internal/display"
	"github.com/lucasnoah/ciloop/internal/loop"
)

var (
	historyLimit  int
	historyFormat string
	tagsSince     time.Duration
	showFormat    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded loop runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		runs, err := listRuns(cmd.Context(), cfg, historyLimit)
		if err != nil {
			return err
		}

		if historyFormat == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			cmd.Println("No recorded runs.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATUS\tATTEMPTS\tLAST OUTCOME\tSTARTED\tTARGETS")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%d\n",
				r.RunID, r.Status, r.Attempts, r.MaxAttempts, r.LastOutcome,
				r.StartedAt.Local().Format("2006-01-02 15:04"), len(r.Targets))
		}
		return w.Flush()
	},
}

var historyTagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Show how often each failure tag was seen",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDBOrDefault(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		var since string
		if tagsSince > 0 {
			since = time.Now().Add(-tagsSince).UTC().Format(time.RFC3339)
		}
		counts, err := d.TagCounts(cmd.Context(), since)
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			cmd.Println("No classified failures recorded.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TAG\tFAILURES\tRUNS\tLAST SEEN")
		for _, c := range counts {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", c.Tag, c.Count, c.Runs, c.LastSeen)
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Render the audit trail of one loop run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rec, err := loadRecord(cmd.Context(), cfg, args[0])
		if err != nil {
			return err
		}
		return renderRecord(cmd.OutOrStdout(), rec, showFormat)
	},
}

// listRuns reads run summaries from the audit database when one is
// configured, otherwise from the JSONL audit directory.
func listRuns(ctx context.Context, cfg *config.Config, limit int) ([]audit.RunInfo, error) {
	d, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	if d != nil {
		defer d.Close()
		rows, err := d.ListLoopRuns(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]audit.RunInfo, len(rows))
		for i, r := range rows {
			out[i] = runInfoFromDB(r)
		}
		return out, nil
	}

	w, err := auditWriter(cfg)
	if err != nil {
		return nil, err
	}
	runs, err := w.List()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// loadRecord prefers the JSONL trail and falls back to the database.
func loadRecord(ctx context.Context, cfg *config.Config, runID string) (*audit.Record, error) {
	w, err := auditWriter(cfg)
	if err != nil {
		return nil, err
	}
	rec, loadErr := w.Load(runID)
	if loadErr == nil {
		return rec, nil
	}

	d, err := openDB(cfg)
	if err != nil || d == nil {
		return nil, loadErr
	}
	defer d.Close()
	run, err := d.GetLoopRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, loadErr
	}
	attempts, err := d.GetAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &audit.Record{Info: runInfoFromDB(*run), Attempts: attempts}, nil
}

func runInfoFromDB(r db.LoopRun) audit.RunInfo {
	info := audit.RunInfo{
		RunID:       r.RunID,
		Repo:        r.Repo,
		Targets:     r.Targets,
		MaxAttempts: r.MaxAttempts,
		Status:      audit.Status(r.Status),
		Attempts:    r.Attempts,
		LastOutcome: loop.Outcome(r.LastOutcome),
	}
	if t, err := time.Parse(time.RFC3339, r.StartedAt); err == nil {
		info.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, r.FinishedAt); err == nil {
		info.FinishedAt = &t
	}
	return info
}

func renderRecord(w io.Writer, rec *audit.Record, format string) error {
	switch format {
	case "md", "markdown":
		return audit.RenderMarkdown(w, rec)
	case "html":
		return audit.RenderHTML(w, rec)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			audit.RunInfo
			Attempts []loop.AttemptReport `json:"attempts"`
		}{rec.Info, rec.Attempts})
	case "text":
		p := display.New(w, false)
		for _, a := range rec.Attempts {
			p.Attempt(a, rec.Info.MaxAttempts)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q: want md, html, json or text", format)
	}
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of runs to list (0 for all)")
	historyCmd.Flags().StringVar(&historyFormat, "format", "text", "output format: text or json")
	historyTagsCmd.Flags().DurationVar(&tagsSince, "since", 0, "only count failures newer than this (e.g. 168h)")
	historyCmd.AddCommand(historyTagsCmd)

	showCmd.Flags().StringVarP(&showFormat, "format", "f", "md", "output format: md, html, json or text")
}
