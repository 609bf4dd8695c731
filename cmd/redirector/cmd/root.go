package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solatis/redirector/internal/core/config"
	"github.com/solatis/redirector/internal/core/db"
	"github.com/solatis/redirector/internal/logging"
	"github.com/solatis/redirector/internal/rules"
)

// Version is the release reported by serve.
const Version = "0.1.0"

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "redirector",
	Short:         "Redirector URL redirection rule engine",
	Long:          `Redirector maps incoming request paths to redirects (301/302/307) or terminal responses (410/451) using exact, prefix, suffix, wildcard and regex rules.`,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration, if present")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads configuration and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("db-url") {
		cfg.Database.URL = dbURL
	}
	return cfg, nil
}

func newLogger() (*zap.SugaredLogger, error) {
	log, err := logging.New(logLevel, logFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

// openStore connects to the database and refuses to continue while
// migrations are pending.
func openStore(cmd *cobra.Command, cfg *config.Config) (*sqlx.DB, *db.RuleStore, error) {
	database, err := db.Open(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	statuses, err := db.MigrateStatus(cmd.Context(), database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			database.Close()
			return nil, nil, fmt.Errorf("migration %s not applied - run 'redirector migrate' first", s.ID)
		}
	}

	store, err := db.NewRuleStore(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, store, nil
}

func engineOptions(cfg *config.Config) rules.Options {
	return rules.Options{
		CaseInsensitive: cfg.Match.CaseInsensitive,
		RegexBudget:     cfg.Match.RegexBudget,
		CacheSize:       cfg.Match.CacheSize,
	}
}
