package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var dbResetYes bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Audit database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
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
		cmd.Println("Database is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every audit table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !dbResetYes {
			return errors.New("refusing to reset without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := openDBOrDefault(cfg)
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		cmd.Println("Database reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().BoolVar(&dbResetYes, "yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
