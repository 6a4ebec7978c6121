package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/rueidis"
	"github.com/urfave/cli/v3"

	"github.com/runlane/runlane/pkg/api"
	"github.com/runlane/runlane/pkg/config"
	"github.com/runlane/runlane/pkg/engine"
	"github.com/runlane/runlane/pkg/logger"
	"github.com/runlane/runlane/pkg/runqueue"
)

func main() {
	cmd := &cli.Command{
		Name:  "runlane",
		Usage: "Fair multi-tenant run queue server",
		Commands: []*cli.Command{
			serveCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the queue engine and worker-actions API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a JSON config file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, cmd.String("config"))
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	log := logger.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.AuthToken == "" {
		return fmt.Errorf("auth-token is required to serve the worker-actions API")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	defer rc.Close()

	db, err := engine.OpenDB(engine.DBOptions{
		InMemory:  cfg.InMemory,
		Directory: cfg.SqliteDir,
	})
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	store, err := engine.NewStore(db)
	if err != nil {
		return err
	}

	queue := runqueue.NewQueue(rc,
		runqueue.WithLogger(log),
		runqueue.WithShardCount(cfg.ShardCount),
		runqueue.WithDefaultQueueConcurrency(cfg.QueueConcurrency),
		runqueue.WithDefaultEnvConcurrency(cfg.EnvConcurrency),
	)
	eng := engine.New(store, queue, rc, engine.WithLogger(log))

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.APIPort),
		Handler: api.NewAPI(api.Opts{
			Engine:     eng,
			AuthToken:  cfg.AuthToken,
			ServerKind: cfg.ServerKind,
			Logger:     log,
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("worker-actions API listening", "addr", srv.Addr, "shards", cfg.ShardCount)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Stall recovery runs in the background for the life of the server.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := eng.RequeueStalled(ctx); err != nil {
					log.Error("stall recovery failed", "error", err)
				} else if n > 0 {
					log.Info("recovered stalled runs", "count", n)
				}
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
