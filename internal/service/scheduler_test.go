package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"iptracker/internal/models"
	"iptracker/internal/tasks"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySweeper struct {
	calls    atomic.Int32
	failures int32
}

func (s *flakySweeper) Sweep(ctx context.Context, now time.Time) (models.SweepReport, error) {
	n := s.calls.Add(1)
	if n <= s.failures {
		return models.SweepReport{}, errors.New("database unavailable")
	}
	return models.SweepReport{StartedAt: now}, nil
}

func TestRunWithRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := RunWithRetry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := RunWithRetry(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 4, attempts, "one initial attempt plus three retries")
}

func TestRunWithRetry_BackoffDoubles(t *testing.T) {
	var stamps []time.Time
	start := time.Now()
	_ = RunWithRetry(context.Background(), 2, 20*time.Millisecond, func(ctx context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("boom")
	})
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRunWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := RunWithRetry(ctx, 5, time.Hour, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestSchedulerService_RunOnceRetries(t *testing.T) {
	repo, mr := newTestRedis(t)
	sweeper := &flakySweeper{failures: 2}
	alerts := &recordingNotifier{}
	s := NewSchedulerService(sweeper, repo, alerts, 3, time.Millisecond)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.EqualValues(t, 3, sweeper.calls.Load())
	assert.Empty(t, alerts.events)
	assert.False(t, mr.Exists("lock:anomaly_sweep"), "lock released after the run")
}

func TestSchedulerService_RunOnceAlertsOnFinalFailure(t *testing.T) {
	repo, _ := newTestRedis(t)
	sweeper := &flakySweeper{failures: 100}
	alerts := &recordingNotifier{}
	s := NewSchedulerService(sweeper, repo, alerts, 2, time.Millisecond)

	err := s.RunOnce(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 3, sweeper.calls.Load())
	assert.Equal(t, []string{AlertSweepFailed}, alerts.events)
}

func TestSchedulerService_SkipsWhileLocked(t *testing.T) {
	repo, mr := newTestRedis(t)
	require.NoError(t, mr.Set("lock:anomaly_sweep", "1"))
	sweeper := &flakySweeper{}
	s := NewSchedulerService(sweeper, repo, nil, 1, time.Millisecond)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Zero(t, sweeper.calls.Load())
}

func TestSchedulerService_StartRejectsBadSchedule(t *testing.T) {
	s := NewSchedulerService(&flakySweeper{}, nil, nil, 1, time.Millisecond)
	assert.Error(t, s.Start("not a cron line"))

	require.NoError(t, s.Start("@every 1h"))
	s.Stop()
}

func TestQueuedSweep_Trigger(t *testing.T) {
	q := &fakeEnqueuer{}
	require.NoError(t, NewQueuedSweep(q, 3).TriggerSweep(context.Background()))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, tasks.TypeAnomalySweep, q.tasks[0].Type())
}

func TestQueuedSweep_DuplicateIsPending(t *testing.T) {
	q := &fakeEnqueuer{err: fmt.Errorf("enqueue: %w", asynq.ErrDuplicateTask)}
	err := NewQueuedSweep(q, 3).TriggerSweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepPending)
}
