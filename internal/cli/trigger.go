package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciloop/internal/trigger"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <name[@branch]>...",
	Short: "Trigger workflows once, without polling or retrying",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		targets, err := resolveTargets(cfg, args)
		if err != nil {
			return err
		}

		t := trigger.New(newCIBackend(cfg), slog.Default())
		var errs []error
		for _, target := range targets {
			if err := t.Fire(cmd.Context(), target); err != nil {
				errs = append(errs, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "triggered %s\n", target)
		}
		return errors.Join(errs...)
	},
}
