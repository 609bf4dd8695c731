package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/solatis/redirector/internal/adapters"
	"github.com/solatis/redirector/internal/rules"
)

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import redirects from a csv, json or yaml file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().String("format", "", "input format (csv, json, yaml); guessed from the file extension when empty")
	importCmd.Flags().Int("batch-size", 0, "candidates per index rebuild (default import.batch_size)")
	importCmd.Flags().Bool("dry-run", false, "validate and report without storing")
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]

	format, _ := cmd.Flags().GetString("format")
	if format == "" {
		guessed, ok := adapters.FormatFromPath(path)
		if !ok {
			return fmt.Errorf("cannot guess format of %s; pass --format", path)
		}
		format = guessed
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("batch-size") {
		size, _ := cmd.Flags().GetInt("batch-size")
		cfg.Import.BatchSize = size
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	candidates, err := adapters.Parse(format, f)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	out := cmd.OutOrStdout()

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		opts := engineOptions(cfg)
		invalid := 0
		for i, c := range candidates {
			if _, err := rules.ValidateRule(c.Draft(), opts); err != nil {
				invalid++
				fmt.Fprintf(out, "%s #%d: %v\n", color.RedString("invalid"), i, err)
			}
		}
		fmt.Fprintf(out, "%d candidates, %d valid, %d invalid (dry run, nothing stored)\n",
			len(candidates), len(candidates)-invalid, invalid)
		return nil
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	database, store, err := openStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	engine := rules.NewEngine(store, rules.EngineConfig{
		Options:         engineOptions(cfg),
		ImportBatchSize: cfg.Import.BatchSize,
		Logger:          log,
	})

	res, err := engine.Import(cmd.Context(), candidates)

	for _, ce := range res.Errors {
		fmt.Fprintf(out, "%s #%d: %s\n", color.RedString("rejected"), ce.Index, ce.Reason)
	}
	fmt.Fprintf(out, "%s %d, %s %d (duplicates %d, invalid %d, failed %d)\n",
		color.GreenString("imported"), res.Imported,
		color.YellowString("skipped"), res.Skipped,
		res.Duplicates, res.Invalid, res.Failed)

	if err != nil {
		return fmt.Errorf("import interrupted: %w", err)
	}
	return nil
}
