package main

import (
	"os"
	"os/signal"
	"syscall"

	"iptracker/internal/app"
	"iptracker/internal/config"
	"iptracker/internal/logging"
	"iptracker/internal/repository"

	zlog "github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogWeb, false)

	zlog.Info().Str("scheduler_mode", cfg.SchedulerMode).Msg("Starting iptracker standalone worker")

	if err := repository.Migrate(cfg.PostgresURL); err != nil {
		zlog.Fatal().Err(err).Msg("Database migration failed")
	}

	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	// Dedicated worker can have higher concurrency
	worker, err := a.NewWorker(20)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to configure worker")
	}
	if err := worker.Start(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start worker")
	}
	if cfg.SchedulerMode == "local" {
		if err := a.Scheduler.Start(cfg.SweepSchedule); err != nil {
			zlog.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Invalid sweep schedule")
		}
	}

	zlog.Info().Msg("Worker running. Press Ctrl+C to exit.")
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("Shutting down worker...")
	worker.Shutdown()
	zlog.Info().Msg("Worker exited")
}
