package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/a-essam23/teamsync/internal/server"
	"github.com/a-essam23/teamsync/internal/store/sqlite"
	"github.com/a-essam23/teamsync/pkg/config"
	"github.com/a-essam23/teamsync/pkg/logging"
	"github.com/a-essam23/teamsync/pkg/telemetry"
)

func main() {
	logger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Error("Failed to set up tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", slog.Any("error", err))
		}
	}()

	st, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("Failed to open store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("Store opened", slog.String("path", cfg.Store.Path))

	app, err := server.NewApp(ctx, logger, cfg, st)
	if err != nil {
		logger.Error("Failed to initialize server", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
