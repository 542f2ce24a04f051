package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciloop/internal/discover"
)

var (
	discoverDir  string
	discoverGlob string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List workflow files and whether they accept workflow_dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Loop.WorkflowsDir
		if cmd.Flags().Changed("dir") {
			dir = discoverDir
		}
		glob := cfg.Loop.TargetsGlob
		if cmd.Flags().Changed("glob") {
			glob = discoverGlob
		}

		wfs, err := discover.Discover(dir, glob)
		if err != nil {
			return err
		}
		if len(wfs) == 0 {
			cmd.Printf("No workflows found in %s.\n", dir)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tNAME\tDISPATCH")
		for _, wf := range wfs {
			dispatch := "no"
			if wf.Dispatchable {
				dispatch = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", wf.File, wf.Name, dispatch)
		}
		return w.Flush()
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverDir, "dir", "", "workflows directory (default from config, .github/workflows)")
	discoverCmd.Flags().StringVar(&discoverGlob, "glob", discover.DefaultGlob, "workflow file glob")
}
