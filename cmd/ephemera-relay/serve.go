package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ephemera-project/ephemera/config"
	"github.com/ephemera-project/ephemera/devices"
	"github.com/ephemera-project/ephemera/envelope"
	"github.com/ephemera-project/ephemera/internal/logger"
	"github.com/ephemera-project/ephemera/pkg/health"
	"github.com/ephemera-project/ephemera/pkg/storage"
	"github.com/ephemera-project/ephemera/pkg/storage/memory"
	"github.com/ephemera-project/ephemera/pkg/storage/postgres"
	"github.com/ephemera-project/ephemera/pkg/storage/sqlite"
	"github.com/ephemera-project/ephemera/relay"
	"github.com/ephemera-project/ephemera/server"
	"github.com/ephemera-project/ephemera/service"
	"github.com/ephemera-project/ephemera/signaling"
	"github.com/ephemera-project/ephemera/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Default(), nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (storage.KV, error) {
	switch cfg.Storage.Backend() {
	case config.BackendPostgres:
		return postgres.NewStore(ctx, cfg.Storage.PostgresURL)
	case config.BackendSQLite:
		return sqlite.NewStore(cfg.Storage.SQLitePath)
	default:
		log.Warn("no persistence credential configured, state stays in process")
		return memory.NewStore(), nil
	}
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.NewDefaultLogger()
	if cfg.Logging != nil {
		log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	defer kv.Close()

	svc := service.New(
		relay.NewEngine(kv, log),
		envelope.NewEngine(kv, log),
		signaling.NewEngine(kv, log),
		log,
	)
	checker := health.NewChecker(kv, cfg.Storage.Backend(), cfg.Edition.Name)

	var reg *devices.Registry
	if cfg.Edition.IsEnterprise() {
		reg = devices.NewRegistry(kv, log)
	}

	srv := server.New(cfg, svc, checker, reg, log)
	gc := sweeper.New(kv, log, cfg.Sweep.Interval)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		gc.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info("relay server stopped")
	return nil
}
