package app

import (
	"fmt"

	"iptracker/internal/tasks"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const geoIPUpdateSchedule = "@every 72h"

// Worker bundles the asynq server and the periodic task scheduler.
type Worker struct {
	Server    *asynq.Server
	Scheduler *asynq.Scheduler
	Mux       *asynq.ServeMux
}

// NewWorker builds the task server with every handler registered and the
// periodic tasks scheduled. In local scheduler mode the sweep is left to the
// in-process cron scheduler.
func (a *App) NewWorker(concurrency int) (*Worker, error) {
	cfg := a.Config
	srv := asynq.NewServer(a.RedisOpts, asynq.Config{
		Concurrency:    concurrency,
		Queues:         map[string]int{"default": 5, "low": 2},
		RetryDelayFunc: tasks.RetryDelay(cfg.SweepRetryBase),
		ErrorHandler:   tasks.FailureReporter(a.Alerts),
	})

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeAnomalySweep, tasks.NewSweepTaskHandler(a.Anomaly, a.RedisRepo))
	mux.Handle(tasks.TypeAlertDelivery, tasks.NewAlertTaskHandler(cfg.AlertWebhookURL, cfg.AlertWebhookSecret))
	var reloader tasks.Reloader
	if a.MaxMind != nil {
		reloader = a.MaxMind
	}
	mux.Handle(tasks.TypeGeoIPUpdate, tasks.NewGeoIPTaskHandler(cfg, reloader))

	scheduler := asynq.NewScheduler(a.RedisOpts, &asynq.SchedulerOpts{})
	if cfg.SchedulerMode != "local" {
		if _, err := scheduler.Register(cfg.SweepSchedule, tasks.NewSweepTask(cfg.SweepMaxRetry)); err != nil {
			return nil, fmt.Errorf("schedule anomaly sweep %q: %w", cfg.SweepSchedule, err)
		}
	}

	if cfg.GeoProvider == "maxmind" {
		geoTask, err := tasks.NewGeoIPUpdateTask(tasks.DefaultGeoIPEdition)
		if err != nil {
			return nil, err
		}
		if _, err := scheduler.Register(geoIPUpdateSchedule, geoTask); err != nil {
			return nil, fmt.Errorf("schedule GeoIP update: %w", err)
		}
		if a.MaxMind != nil && !a.MaxMind.Loaded() {
			if _, err := a.AsynqClient.Enqueue(geoTask); err != nil {
				zlog.Error().Err(err).Msg("Failed to enqueue initial GeoIP download")
			} else {
				zlog.Info().Str("path", a.MaxMind.Path()).Msg("GeoIP database missing, download queued")
			}
		}
	}

	return &Worker{Server: srv, Scheduler: scheduler, Mux: mux}, nil
}

// Start runs the server and the scheduler in the background.
func (w *Worker) Start() error {
	if err := w.Server.Start(w.Mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := w.Scheduler.Start(); err != nil {
		w.Server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	return nil
}

func (w *Worker) Shutdown() {
	w.Scheduler.Shutdown()
	w.Server.Shutdown()
}
