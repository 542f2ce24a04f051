package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/display"
)

var (
	classifyWorkflow string
	classifyFormat   string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <logfile|->",
	Short: "Classify a CI failure log against the known failure patterns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newClassifier(cfg)
		if err != nil {
			return err
		}

		var data []byte
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read log: %w", err)
		}

		target := ci.WorkflowTarget{Name: classifyWorkflow, Branch: cfg.Loop.Branch}
		tags := c.ClassifyOrUnknown(target, string(data))
		fixes := make(map[string][]string, len(tags))
		for _, t := range tags {
			fixes[t] = c.Fixes(t)
		}

		if classifyFormat == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"tags": tags, "suggested_fixes": fixes})
		}
		display.New(cmd.OutOrStdout(), display.ColorEnabled(os.Stdout)).Tags(tags, fixes)
		return nil
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List the failure patterns in effect",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newClassifier(cfg)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TAG\tWORKFLOWS\tFIXES")
		for _, p := range c.Registry().Patterns() {
			scope := "*"
			if len(p.Workflows) > 0 {
				scope = strings.Join(p.Workflows, ",")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\n", p.Tag, scope, len(p.SuggestedFixes))
		}
		return w.Flush()
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyWorkflow, "workflow", "w", "", "workflow file the log came from (enables workflow-scoped patterns)")
	classifyCmd.Flags().StringVar(&classifyFormat, "format", "text", "output format: text or json")
}
