package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"iptracker/internal/config"
	"iptracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sweepNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func testAnomalyConfig() AnomalyConfig {
	return AnomalyConfig{
		Threshold:         100,
		Window:            time.Hour,
		SuppressionWindow: time.Hour,
		SensitivePaths:    config.ParseSensitivePaths("/admin=admin_access,/login=login_access,/api/login/=login_access,/api/password-reset/=login_access"),
	}
}

func TestSweep_HighRequests(t *testing.T) {
	store := newMemStore()
	store.addLogs("203.0.113.1", "/api/data/", 150, sweepNow.Add(-10*time.Minute))
	store.addLogs("203.0.113.2", "/api/data/", 100, sweepNow.Add(-10*time.Minute))
	store.addLogs("203.0.113.3", "/api/data/", 200, sweepNow.Add(-2*time.Hour))

	d := NewAnomalyDetector(store, testAnomalyConfig(), nil, nil)
	report, err := d.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)

	require.Len(t, store.suspicious, 1)
	rec := store.suspicious[0]
	assert.Equal(t, "203.0.113.1", rec.IP)
	assert.Equal(t, models.ReasonHighRequests, rec.Reason)
	assert.Equal(t, 150, rec.RequestCount)
	assert.Equal(t, sweepNow, rec.DetectedAt)
	assert.False(t, rec.IsInvestigated)
	assert.Equal(t, "excessive_requests", rec.Details["detection_method"])
	assert.Equal(t, 100, rec.Details["threshold"])

	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, sweepNow, report.StartedAt)
}

func TestSweep_Idempotent(t *testing.T) {
	store := newMemStore()
	store.addLogs("203.0.113.1", "/api/data/", 150, sweepNow.Add(-10*time.Minute))
	d := NewAnomalyDetector(store, testAnomalyConfig(), nil, nil)

	_, err := d.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)
	report, err := d.Sweep(context.Background(), sweepNow.Add(5*time.Minute))
	require.NoError(t, err)

	assert.Len(t, store.suspicious, 1)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 1, report.Suppressed)
}

func TestSweep_ReflagsAfterSuppressionWindow(t *testing.T) {
	store := newMemStore()
	store.addLogs("203.0.113.1", "/api/data/", 150, sweepNow.Add(-10*time.Minute))
	d := NewAnomalyDetector(store, testAnomalyConfig(), nil, nil)

	_, err := d.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)

	later := sweepNow.Add(61 * time.Minute)
	store.addLogs("203.0.113.1", "/api/data/", 150, later.Add(-time.Minute))
	_, err = d.Sweep(context.Background(), later)
	require.NoError(t, err)

	assert.Len(t, store.suspicious, 2)
}

func TestSweep_SensitivePathsLongestPrefixWins(t *testing.T) {
	store := newMemStore()
	at := sweepNow.Add(-5 * time.Minute)
	store.addLogs("198.51.100.7", "/admin/", 3, at)
	store.addLogs("198.51.100.7", "/admin/users", 2, at)
	store.addLogs("198.51.100.8", "/api/login/", 4, at)
	store.addLogs("198.51.100.9", "/public", 50, at)

	cfg := testAnomalyConfig()
	cfg.SensitivePaths = append(cfg.SensitivePaths, config.SensitivePath{Prefix: "/api/", Reason: "other"})
	d := NewAnomalyDetector(store, cfg, nil, nil)

	report, err := d.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)
	require.Len(t, store.suspicious, 2)

	admin := store.suspicious[0]
	assert.Equal(t, "198.51.100.7", admin.IP)
	assert.Equal(t, models.ReasonAdminAccess, admin.Reason)
	assert.Equal(t, 5, admin.RequestCount)
	assert.Equal(t, map[string]int{"/admin/": 3, "/admin/users": 2}, admin.Details["paths"])
	assert.Equal(t, "sensitive_path_access", admin.Details["detection_method"])

	login := store.suspicious[1]
	assert.Equal(t, models.ReasonLoginAccess, login.Reason, "/api/login/ beats the shorter /api/ prefix")
	assert.Equal(t, 4, login.RequestCount)
	assert.Equal(t, 2, report.Inserted)
}

func TestSweep_PrivateAndInvalidIPsExcluded(t *testing.T) {
	store := newMemStore()
	at := sweepNow.Add(-5 * time.Minute)
	store.addLogs("127.0.0.1", "/admin/", 5, at)
	store.addLogs("10.0.0.5", "/api/data/", 500, at)
	store.addLogs("192.168.1.20", "/login", 3, at)
	store.addLogs("garbage", "/admin/", 2, at)

	d := NewAnomalyDetector(store, testAnomalyConfig(), nil, nil)
	report, err := d.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)

	assert.Empty(t, store.suspicious)
	assert.Equal(t, 4, report.Excluded)
}

func TestSweep_HighRequestsAndPathsAreIndependent(t *testing.T) {
	store := newMemStore()
	at := sweepNow.Add(-5 * time.Minute)
	store.addLogs("203.0.113.77", "/admin/panel", 120, at)

	d := NewAnomalyDetector(store, testAnomalyConfig(), nil, nil)
	_, err := d.Sweep(context.Background(), sweepNow)
	require.NoError(t, err)

	require.Len(t, store.suspicious, 2)
	assert.Equal(t, models.ReasonAdminAccess, store.suspicious[0].Reason)
	assert.Equal(t, models.ReasonHighRequests, store.suspicious[1].Reason)
}

func TestSweep_ConcurrentExecutionsDoNotDuplicate(t *testing.T) {
	store := newMemStore()
	store.addLogs("203.0.113.1", "/admin/x", 150, sweepNow.Add(-10*time.Minute))
	d := NewAnomalyDetector(store, testAnomalyConfig(), nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Sweep(context.Background(), sweepNow)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, store.suspicious, 2)
}

func TestSweep_StorageErrorFailsSweep(t *testing.T) {
	store := newMemStore()
	store.countErr = errors.New("connection refused")
	d := NewAnomalyDetector(store, testAnomalyConfig(), nil, nil)

	_, err := d.Sweep(context.Background(), sweepNow)
	assert.ErrorContains(t, err, "connection refused")

	store.countErr = nil
	store.insertErr = errors.New("deadlock")
	store.addLogs("203.0.113.1", "/x", 150, sweepNow.Add(-time.Minute))
	_, err = d.Sweep(context.Background(), sweepNow)
	assert.ErrorContains(t, err, "deadlock")
}

func TestSweep_AnnouncesNewRecords(t *testing.T) {
	store := newMemStore()
	store.addLogs("203.0.113.1", "/x", 150, sweepNow.Add(-time.Minute))
	bus := &recordingBus{}
	alerts := &recordingNotifier{}
	d := NewAnomalyDetector(store, testAnomalyConfig(), bus, alerts)

	_, _ = d.Sweep(context.Background(), sweepNow)
	_, _ = d.Sweep(context.Background(), sweepNow)

	require.Len(t, bus.events, 1)
	assert.Equal(t, EventSuspicious, bus.events[0].action)
	assert.Equal(t, []string{AlertSuspiciousDetected}, alerts.events)
}

func TestClassifyPath(t *testing.T) {
	d := NewAnomalyDetector(newMemStore(), testAnomalyConfig(), nil, nil)

	reason, ok := d.classifyPath("/login/reset")
	assert.True(t, ok)
	assert.Equal(t, models.ReasonLoginAccess, reason)

	_, ok = d.classifyPath("/public")
	assert.False(t, ok)
}
