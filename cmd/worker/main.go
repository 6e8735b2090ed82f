package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"chorus.org/internal/app"
	"chorus.org/internal/history"
	"chorus.org/internal/obs"
	"chorus.org/internal/store/pg"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.LogFormat, os.Stdout).With(slog.String("service", "chorus-worker"))
	obs.SetLogger(logger)
	obs.InitBuildInfo("worker", version, commit)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.PGDSN == "" {
		return errors.New("worker needs PG_DSN to store history")
	}
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}

	w, err := history.NewWorker(history.WorkerConfig{
		Redis:       asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Sink:        store.HistorySink(),
		Concurrency: cfg.WorkerConc,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	logger.Info("worker started", slog.String("queue", history.QueueHistory), slog.Int("concurrency", cfg.WorkerConc))
	return w.Run(ctx)
}
