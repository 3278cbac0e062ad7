package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jdziat/fleet-orchestrator/pkg/config"
	"github.com/jdziat/fleet-orchestrator/pkg/engine"
	"github.com/jdziat/fleet-orchestrator/pkg/storage"
)

func runDaemon(ctx context.Context, configPath string, logOut io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(logOut)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("fleetd starting",
		"leader_mode", cfg.Leader.Mode,
		"http_addr", cfg.HTTP.Addr,
		"postgres", storage.IsPostgresDSN(cfg.Database.DSN),
	)
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Info("fleetd stopped")
	return nil
}

func runMigrate(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Database.DSN, cfg.PoolOptions())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(out, "schema up to date")
	return nil
}
