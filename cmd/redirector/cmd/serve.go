package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/solatis/redirector/internal/core/api"
	"github.com/solatis/redirector/internal/core/auth"
	"github.com/solatis/redirector/internal/core/config"
	"github.com/solatis/redirector/internal/core/hits"
	"github.com/solatis/redirector/internal/core/notify"
	"github.com/solatis/redirector/internal/core/server"
	"github.com/solatis/redirector/internal/rules"
)

const (
	shutdownTimeout = 30 * time.Second
	refreshTimeout  = time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve redirects, the rule API and the gRPC resolver",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "HTTP server host")
	serveCmd.Flags().Int("port", 8080, "HTTP server port")
	serveCmd.Flags().Int("grpc-port", 50051, "gRPC server port (0 disables)")
	serveCmd.Flags().Bool("case-insensitive", false, "fold case when matching request paths")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		cfg.HTTP.Host = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		cfg.HTTP.Port = port
	}
	if cmd.Flags().Changed("grpc-port") {
		port, _ := cmd.Flags().GetInt("grpc-port")
		cfg.GRPC.Port = port
	}
	if cmd.Flags().Changed("case-insensitive") {
		fold, _ := cmd.Flags().GetBool("case-insensitive")
		cfg.Match.CaseInsensitive = fold
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, store, err := openStore(cmd, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	recorder := hits.NewRecorder(store, hits.Config{
		FlushInterval: cfg.Hits.FlushInterval,
		Logger:        log.Named("hits"),
	})

	engine := rules.NewEngine(store, rules.EngineConfig{
		Options:         engineOptions(cfg),
		Hits:            recorder,
		ImportBatchSize: cfg.Import.BatchSize,
		Logger:          log.Named("rules"),
	})
	if err := engine.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	idx := engine.Snapshot()
	log.Infow("rule index loaded", "rules", idx.Len(), "skipped", len(idx.Skipped()), "version", idx.Version())

	var notifier *notify.Notifier
	if cfg.RedisEnabled() {
		client := notify.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		notifier = notify.New(client, cfg.Redis.Channel, log.Named("notify"))
		engine.SetInvalidator(notifier)
	}

	httpServer, err := server.NewHTTPServer(cfg.HTTP, engine, store, log.Named("http"))
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	if cfg.AuthEnabled() {
		httpServer.SetAuthenticator(auth.NewAuthenticator(cfg.API.Token))
	} else {
		log.Warnw("rule API is unauthenticated; set REDIRECTOR_API_TOKEN to protect it")
	}

	var grpcServer *server.GRPCServer
	if cfg.GRPCEnabled() {
		service, err := api.NewResolverService(engine)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		grpcServer, err = server.NewGRPCServer(cfg.GRPC, service, log.Named("grpc"))
		if err != nil {
			return fmt.Errorf("failed to create gRPC server: %w", err)
		}
	}

	scheduler, err := startRefresh(cfg, engine, log)
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer func() { <-scheduler.Stop().Done() }()
	}

	log.Infow("starting redirector", "version", Version, "http", cfg.HTTP.Addr(),
		"grpc_enabled", cfg.GRPCEnabled(), "redis_enabled", cfg.RedisEnabled())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Start(gctx) })
	if grpcServer != nil {
		g.Go(func() error { return grpcServer.Start(gctx) })
	}
	if notifier != nil {
		g.Go(func() error { return notifier.Run(gctx, engine) })
	}

	flushCtx, stopFlush := context.WithCancel(context.WithoutCancel(ctx))
	flushed := make(chan error, 1)
	go func() { flushed <- recorder.Run(flushCtx) }()

	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down gracefully")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		var firstErr error
		if err := httpServer.Shutdown(sctx); err != nil {
			firstErr = fmt.Errorf("HTTP shutdown: %w", err)
		}
		if grpcServer != nil {
			if err := grpcServer.Shutdown(sctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("gRPC shutdown: %w", err)
			}
		}
		return firstErr
	})

	err = g.Wait()

	// Servers are stopped, so no hit can arrive after the final flush.
	stopFlush()
	if ferr := <-flushed; ferr != nil {
		log.Errorw("final hit flush failed", "error", ferr)
	}
	return err
}

// startRefresh schedules the periodic safety-net rebuild. It returns nil
// when the schedule is empty.
func startRefresh(cfg *config.Config, engine *rules.Engine, log *zap.SugaredLogger) (*cron.Cron, error) {
	if cfg.Index.RefreshSchedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Index.RefreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := engine.Rebuild(ctx); err != nil {
			log.Warnw("scheduled index refresh failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid index.refresh_schedule %q: %w", cfg.Index.RefreshSchedule, err)
	}
	c.Start()
	log.Infow("scheduled index refresh", "schedule", cfg.Index.RefreshSchedule)
	return c, nil
}
