package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"iptracker/internal/models"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) Sweep(ctx context.Context, now time.Time) (models.SweepReport, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(models.SweepReport), args.Error(1)
}

type memLocker struct {
	mu    sync.Mutex
	held  map[string]bool
	err   error
	calls int
}

func (l *memLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event string, _ interface{}) {
	n.events = append(n.events, event)
}

func TestNewSweepTask(t *testing.T) {
	task := NewSweepTask(3)
	assert.Equal(t, TypeAnomalySweep, task.Type())
	assert.Empty(t, task.Payload())
}

func TestSweepTaskHandler_RunsUnderLock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sweeper := &mockSweeper{}
	sweeper.On("Sweep", mock.Anything, fixed).Return(models.SweepReport{Inserted: 2}, nil).Once()

	locker := &memLocker{held: map[string]bool{}}
	h := NewSweepTaskHandler(sweeper, locker)
	h.now = func() time.Time { return fixed }

	require.NoError(t, h.ProcessTask(context.Background(), NewSweepTask(3)))
	sweeper.AssertExpectations(t)
	assert.False(t, locker.held[SweepLockKey], "lock must be released")
}

func TestSweepTaskHandler_SkipsWhenLocked(t *testing.T) {
	sweeper := &mockSweeper{}
	locker := &memLocker{held: map[string]bool{SweepLockKey: true}}
	h := NewSweepTaskHandler(sweeper, locker)

	require.NoError(t, h.ProcessTask(context.Background(), NewSweepTask(3)))
	sweeper.AssertNotCalled(t, "Sweep", mock.Anything, mock.Anything)
	assert.True(t, locker.held[SweepLockKey], "foreign lock must be left alone")
}

func TestSweepTaskHandler_LockErrorIsRetried(t *testing.T) {
	sweeper := &mockSweeper{}
	h := NewSweepTaskHandler(sweeper, &memLocker{held: map[string]bool{}, err: errors.New("redis down")})

	err := h.ProcessTask(context.Background(), NewSweepTask(3))
	assert.ErrorContains(t, err, "redis down")
	sweeper.AssertNotCalled(t, "Sweep", mock.Anything, mock.Anything)
}

func TestSweepTaskHandler_SweepErrorReleasesLock(t *testing.T) {
	sweeper := &mockSweeper{}
	sweeper.On("Sweep", mock.Anything, mock.Anything).Return(models.SweepReport{}, errors.New("db timeout"))
	locker := &memLocker{held: map[string]bool{}}
	h := NewSweepTaskHandler(sweeper, locker)

	err := h.ProcessTask(context.Background(), NewSweepTask(3))
	assert.ErrorContains(t, err, "db timeout")
	assert.False(t, locker.held[SweepLockKey])
}

func TestRetryDelay(t *testing.T) {
	delay := RetryDelay(time.Minute)
	sweep := NewSweepTask(3)

	assert.Equal(t, 60*time.Second, delay(0, errors.New("x"), sweep))
	assert.Equal(t, 120*time.Second, delay(1, errors.New("x"), sweep))
	assert.Equal(t, 240*time.Second, delay(2, errors.New("x"), sweep))

	other := asynq.NewTask(TypeAlertDelivery, nil)
	assert.Greater(t, delay(0, errors.New("x"), other), time.Duration(0))
}

func TestFailureReporter_NonSweepTaskNotReported(t *testing.T) {
	n := &recordingNotifier{}
	handler := FailureReporter(n)

	// Outside of a running server the retry metadata is absent, so the
	// counters read as zero and the failure counts as final.
	handler.HandleError(context.Background(), asynq.NewTask(TypeAlertDelivery, nil), errors.New("boom"))
	assert.Empty(t, n.events)

	handler.HandleError(context.Background(), NewSweepTask(3), errors.New("boom"))
	assert.Equal(t, []string{"sweep.failed"}, n.events)
}
