package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/solatis/redirector/internal/core/api"
	"github.com/solatis/redirector/internal/rules"
	"github.com/solatis/redirector/internal/types"
)

const remoteTimeout = 5 * time.Second

var checkCmd = &cobra.Command{
	Use:   "check URI...",
	Short: "Show how request URIs resolve against the stored rules",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("remote", "", "resolve through a running instance's gRPC address instead of the database")
}

func runCheck(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	resolve, closeFn, err := checkResolver(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	misses := 0
	for _, uri := range args {
		m, ok, err := resolve(uri)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", uri, err)
		}
		if !ok {
			misses++
			fmt.Fprintf(out, "%s %s\n", color.YellowString("no match"), uri)
			continue
		}
		fmt.Fprintln(out, describeMatch(uri, m))
	}

	if misses == len(args) {
		return fmt.Errorf("no rule matched")
	}
	return nil
}

func describeMatch(uri string, m types.Match) string {
	code := color.CyanString("%d", int(m.StatusCode))
	if m.HasDestination() {
		return fmt.Sprintf("%s %s -> %s (rule %s)", code, uri, m.Destination, m.RuleID)
	}
	return fmt.Sprintf("%s %s (rule %s)", code, uri, m.RuleID)
}

type resolveFunc func(uri string) (types.Match, bool, error)

// checkResolver resolves locally from the database, or remotely when
// --remote is set. Local checks never record hits.
func checkResolver(cmd *cobra.Command) (resolveFunc, func(), error) {
	if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
		conn, err := grpc.NewClient(remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w", remote, err)
		}
		client := api.NewResolverClient(conn)
		return func(uri string) (types.Match, bool, error) {
			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()
			return client.Resolve(ctx, uri)
		}, func() { conn.Close() }, nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	database, store, err := openStore(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}

	engine := rules.NewEngine(store, rules.EngineConfig{Options: engineOptions(cfg), Logger: log})
	if err := engine.Rebuild(cmd.Context()); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load rules: %w", err)
	}
	for _, s := range engine.Snapshot().Skipped() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s rule %s: %v\n", color.RedString("skipped"), s.ID, s.Err)
	}

	return func(uri string) (types.Match, bool, error) {
		m, ok := engine.Resolve(uri)
		return m, ok, nil
	}, func() { database.Close() }, nil
}
