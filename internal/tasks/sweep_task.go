package tasks

import (
	"context"
	"errors"
	"time"

	"iptracker/internal/models"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeAnomalySweep = "anomaly:sweep"
	SweepLockKey     = "lock:anomaly_sweep"
	SweepLockTTL     = 10 * time.Minute
)

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (models.SweepReport, error)
}

type Locker interface {
	AcquireLock(ctx context.Context, key string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Notifier reports operator-facing failures.
type Notifier interface {
	Notify(ctx context.Context, event string, data interface{})
}

// NewSweepTask builds the hourly anomaly sweep task. Unique keeps a second
// copy out of the queue while one is pending or retrying.
func NewSweepTask(maxRetry int) *asynq.Task {
	return asynq.NewTask(TypeAnomalySweep, nil,
		asynq.MaxRetry(maxRetry),
		asynq.Queue("default"),
		asynq.Timeout(SweepLockTTL),
		asynq.Unique(30*time.Minute),
	)
}

type SweepTaskHandler struct {
	sweeper Sweeper
	locker  Locker
	now     func() time.Time
}

func NewSweepTaskHandler(sweeper Sweeper, locker Locker) *SweepTaskHandler {
	return &SweepTaskHandler{sweeper: sweeper, locker: locker, now: time.Now}
}

func (h *SweepTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if h.locker != nil {
		acquired, err := h.locker.AcquireLock(ctx, SweepLockKey, SweepLockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			zlog.Info().Msg("Anomaly sweep already running elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := h.locker.ReleaseLock(context.Background(), SweepLockKey); err != nil {
				zlog.Warn().Err(err).Msg("Failed to release sweep lock")
			}
		}()
	}

	retried, _ := asynq.GetRetryCount(ctx)
	report, err := h.sweeper.Sweep(ctx, h.now().UTC())
	if err != nil {
		zlog.Error().Err(err).Int("retry", retried).Msg("Anomaly sweep failed")
		return err
	}
	zlog.Info().Int("inserted", report.Inserted).Int("retry", retried).Msg("Anomaly sweep task completed")
	return nil
}

// RetryDelay backs sweep tasks off exponentially from base (base, 2*base,
// 4*base, ...). Other task types keep asynq's default delay.
func RetryDelay(base time.Duration) asynq.RetryDelayFunc {
	return func(n int, err error, t *asynq.Task) time.Duration {
		if t.Type() == TypeAnomalySweep {
			if n > 10 {
				n = 10
			}
			return base * time.Duration(1<<uint(n))
		}
		return asynq.DefaultRetryDelayFunc(n, err, t)
	}
}

// FailureReporter returns an asynq ErrorHandler that alerts operators once a
// sweep has used all of its retries.
func FailureReporter(notifier Notifier) asynq.ErrorHandler {
	return asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		final := retried >= maxRetry || errors.Is(err, asynq.SkipRetry)

		zlog.Error().
			Err(err).
			Str("task", task.Type()).
			Int("retry", retried).
			Int("max_retry", maxRetry).
			Bool("final", final).
			Msg("Task failed")

		if !final || task.Type() != TypeAnomalySweep || notifier == nil {
			return
		}
		notifier.Notify(ctx, "sweep.failed", map[string]interface{}{
			"task":     task.Type(),
			"error":    err.Error(),
			"attempts": retried + 1,
		})
	})
}
