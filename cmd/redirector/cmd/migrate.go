package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/solatis/redirector/internal/core/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("status", false, "show migration status without applying")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	database, err := db.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if statusOnly, _ := cmd.Flags().GetBool("status"); statusOnly {
		statuses, err := db.MigrateStatus(ctx, database)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MIGRATION\tSTATUS\tAPPLIED AT")
		for _, s := range statuses {
			state, applied := color.YellowString("pending"), "-"
			if s.Applied {
				state = color.GreenString("applied")
				if s.AppliedAt != nil {
					applied = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, state, applied)
		}
		return w.Flush()
	}

	ran, err := db.MigrateUp(ctx, database)
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "migration failed: %v\n", err)
		return err
	}
	if len(ran) == 0 {
		fmt.Fprintln(out, "database is up to date")
		return nil
	}
	for _, id := range ran {
		fmt.Fprintf(out, "%s %s\n", color.GreenString("applied"), id)
	}
	return nil
}
