package service

import (
	"context"
	"errors"
	"time"

	"iptracker/internal/tasks"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	zlog "github.com/rs/zerolog/log"
)

// RunWithRetry runs op, retrying up to maxRetries times with exponential
// backoff starting at base (base, 2*base, 4*base, ...).
func RunWithRetry(ctx context.Context, maxRetries int, base time.Duration, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = base << uint(maxRetries)
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			return op(ctx)
		},
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx),
		func(err error, next time.Duration) {
			zlog.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("Scheduled job failed, retrying")
		},
	)
}

// SchedulerService runs the anomaly sweep on a cron schedule inside the
// current process. It is the broker-less alternative to the asynq scheduler.
type SchedulerService struct {
	cron      *cron.Cron
	handler   *tasks.SweepTaskHandler
	alerts    Notifier
	maxRetry  int
	retryBase time.Duration
	timeout   time.Duration
}

func NewSchedulerService(sweeper tasks.Sweeper, locker tasks.Locker, alerts Notifier, maxRetry int, retryBase time.Duration) *SchedulerService {
	logger := cronLogger{}
	return &SchedulerService{
		cron:      cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		handler:   tasks.NewSweepTaskHandler(sweeper, locker),
		alerts:    alerts,
		maxRetry:  maxRetry,
		retryBase: retryBase,
		timeout:   tasks.SweepLockTTL,
	}
}

// Start registers the sweep under the cron expression and starts the cron loop.
func (s *SchedulerService) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		_ = s.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	zlog.Info().Str("schedule", spec).Msg("Local sweep scheduler started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes one sweep with retries and alerts operators when all
// attempts fail.
func (s *SchedulerService) RunOnce(ctx context.Context) error {
	err := RunWithRetry(ctx, s.maxRetry, s.retryBase, func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.handler.ProcessTask(runCtx, tasks.NewSweepTask(s.maxRetry))
	})
	if err != nil {
		zlog.Error().Err(err).Int("max_retry", s.maxRetry).Msg("Anomaly sweep failed after retries")
		if s.alerts != nil {
			s.alerts.Notify(ctx, AlertSweepFailed, map[string]interface{}{
				"task":     tasks.TypeAnomalySweep,
				"error":    err.Error(),
				"attempts": s.maxRetry + 1,
			})
		}
	}
	return err
}

// TriggerSweep starts one sweep in the background and returns immediately.
func (s *SchedulerService) TriggerSweep(ctx context.Context) error {
	go func() {
		_ = s.RunOnce(context.Background())
	}()
	return nil
}

var ErrSweepPending = errors.New("an anomaly sweep is already queued")

// QueuedSweep hands manually requested sweeps to the asynq worker.
type QueuedSweep struct {
	enqueuer TaskEnqueuer
	maxRetry int
}

func NewQueuedSweep(enqueuer TaskEnqueuer, maxRetry int) *QueuedSweep {
	return &QueuedSweep{enqueuer: enqueuer, maxRetry: maxRetry}
}

func (q *QueuedSweep) TriggerSweep(ctx context.Context) error {
	info, err := q.enqueuer.EnqueueContext(ctx, tasks.NewSweepTask(q.maxRetry))
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return ErrSweepPending
		}
		return err
	}
	zlog.Info().Str("task_id", info.ID).Msg("Anomaly sweep enqueued")
	return nil
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	zlog.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	zlog.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
