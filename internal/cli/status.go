package cli

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciloop/internal/ci"
	"github.com/lucasnoah/ciloop/internal/display"
	"github.com/lucasnoah/ciloop/internal/poll"
)

var (
	statusWait   time.Duration
	statusFormat string
)

var statusCmd = &cobra.Command{
	Use:   "status [name[@branch]]...",
	Short: "Show the latest run conclusion of each target",
	Long: `Poll each target once (or until it settles, with --wait) and print its
conclusion. Without arguments the configured targets are used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		targets, err := resolveTargets(cfg, args)
		if err != nil {
			return err
		}

		p := poll.New(newCIBackend(cfg), poll.Options{Interval: cfg.PollInterval(), Logger: slog.Default()})
		statuses := make([]ci.RunStatus, 0, len(targets))
		for _, t := range targets {
			statuses = append(statuses, p.Poll(cmd.Context(), t, statusWait))
		}

		if statusFormat == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(statuses)
		}
		display.New(cmd.OutOrStdout(), display.ColorEnabled(os.Stdout)).Statuses(statuses)
		return nil
	},
}

func init() {
	statusCmd.Flags().DurationVar(&statusWait, "wait", 0, "keep polling pending runs for up to this long")
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text or json")
}
