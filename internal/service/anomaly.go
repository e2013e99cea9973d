package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"iptracker/internal/config"
	"iptracker/internal/metrics"
	"iptracker/internal/models"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	AlertSuspiciousDetected = "suspicious.detected"
	AlertSweepFailed        = "sweep.failed"
)

type AnomalyStore interface {
	CountRequestsByIP(ctx context.Context, since time.Time, minCount int) ([]models.IPCount, error)
	SensitivePathHits(ctx context.Context, since time.Time, prefixes []string) ([]models.PathHit, error)
	InsertSuspiciousIfAbsent(ctx context.Context, rec models.SuspiciousIP, since time.Time) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type Notifier interface {
	Notify(ctx context.Context, event string, data interface{})
}

type AnomalyConfig struct {
	Threshold         int
	Window            time.Duration
	SuppressionWindow time.Duration
	SensitivePaths    []config.SensitivePath
}

func AnomalyConfigFrom(cfg *config.Config) AnomalyConfig {
	return AnomalyConfig{
		Threshold:         cfg.AnomalyThreshold,
		Window:            cfg.AnomalyWindow,
		SuppressionWindow: cfg.SuppressionWindow,
		SensitivePaths:    cfg.SensitivePaths,
	}
}

type AnomalyDetector struct {
	store  AnomalyStore
	cfg    AnomalyConfig
	events EventPublisher
	alerts Notifier
}

// NewAnomalyDetector builds the sweep. events and alerts may be nil.
func NewAnomalyDetector(store AnomalyStore, cfg AnomalyConfig, events EventPublisher, alerts Notifier) *AnomalyDetector {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = time.Hour
	}
	return &AnomalyDetector{store: store, cfg: cfg, events: events, alerts: alerts}
}

// Sweep scans the trailing window of request logs ending at now and records
// suspicious IPs. It is safe to run repeatedly and concurrently: a record is
// never duplicated for the same ip and reason inside the suppression window.
func (d *AnomalyDetector) Sweep(ctx context.Context, now time.Time) (models.SweepReport, error) {
	start := time.Now()
	report := models.SweepReport{StartedAt: now}
	since := now.Add(-d.cfg.Window)

	var volume, paths []models.SuspiciousIP
	var volumeExcluded, pathExcluded int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		volume, volumeExcluded, err = d.volumeCandidates(gctx, since, now)
		return err
	})
	g.Go(func() error {
		var err error
		paths, pathExcluded, err = d.sensitivePathCandidates(gctx, since, now)
		return err
	})
	if err := g.Wait(); err != nil {
		metrics.MetricSweepRuns.WithLabelValues("error").Inc()
		return report, fmt.Errorf("collect candidates: %w", err)
	}

	candidates := append(volume, paths...)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].IP != candidates[j].IP {
			return candidates[i].IP < candidates[j].IP
		}
		return candidates[i].Reason < candidates[j].Reason
	})
	report.Candidates = len(candidates)
	report.Excluded = volumeExcluded + pathExcluded

	suppressSince := now.Add(-d.cfg.SuppressionWindow)
	for _, rec := range candidates {
		inserted, err := d.store.InsertSuspiciousIfAbsent(ctx, rec, suppressSince)
		if err != nil {
			metrics.MetricSweepRuns.WithLabelValues("error").Inc()
			report.Duration = time.Since(start)
			return report, fmt.Errorf("record %s/%s: %w", rec.IP, rec.Reason, err)
		}
		if !inserted {
			report.Suppressed++
			continue
		}
		report.Inserted++
		metrics.MetricDetections.WithLabelValues(string(rec.Reason)).Inc()
		zlog.Warn().
			Str("ip", rec.IP).
			Str("reason", string(rec.Reason)).
			Int("request_count", rec.RequestCount).
			Msg("Anomaly detected")
		d.announce(ctx, rec)
	}

	report.Duration = time.Since(start)
	metrics.MetricSweepRuns.WithLabelValues("success").Inc()
	metrics.MetricSweepDuration.Observe(report.Duration.Seconds())
	zlog.Info().
		Int("candidates", report.Candidates).
		Int("inserted", report.Inserted).
		Int("suppressed", report.Suppressed).
		Int("excluded", report.Excluded).
		Dur("duration", report.Duration).
		Msg("Anomaly sweep finished")
	return report, nil
}

func (d *AnomalyDetector) volumeCandidates(ctx context.Context, since, now time.Time) ([]models.SuspiciousIP, int, error) {
	counts, err := d.store.CountRequestsByIP(ctx, since, d.cfg.Threshold)
	if err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}
	excluded := 0
	out := make([]models.SuspiciousIP, 0, len(counts))
	for _, c := range counts {
		if c.Count <= d.cfg.Threshold {
			continue
		}
		if excludeIP(c.IP) {
			excluded++
			continue
		}
		out = append(out, models.SuspiciousIP{
			IP:           c.IP,
			Reason:       models.ReasonHighRequests,
			DetectedAt:   now,
			RequestCount: c.Count,
			Details: map[string]interface{}{
				"requests_in_window": c.Count,
				"threshold":          d.cfg.Threshold,
				"window":             d.cfg.Window.String(),
				"detection_method":   "excessive_requests",
			},
		})
	}
	return out, excluded, nil
}

type pathGroup struct {
	count int
	paths map[string]int
}

func (d *AnomalyDetector) sensitivePathCandidates(ctx context.Context, since, now time.Time) ([]models.SuspiciousIP, int, error) {
	if len(d.cfg.SensitivePaths) == 0 {
		return nil, 0, nil
	}
	prefixes := make([]string, 0, len(d.cfg.SensitivePaths))
	for _, sp := range d.cfg.SensitivePaths {
		prefixes = append(prefixes, sp.Prefix)
	}

	hits, err := d.store.SensitivePathHits(ctx, since, prefixes)
	if err != nil {
		return nil, 0, fmt.Errorf("sensitive path hits: %w", err)
	}

	type key struct {
		ip     string
		reason models.ReasonCode
	}
	groups := map[key]*pathGroup{}
	excludedIPs := map[string]struct{}{}
	for _, h := range hits {
		if excludeIP(h.IP) {
			excludedIPs[h.IP] = struct{}{}
			continue
		}
		reason, ok := d.classifyPath(h.Path)
		if !ok {
			continue
		}
		k := key{h.IP, reason}
		g := groups[k]
		if g == nil {
			g = &pathGroup{paths: map[string]int{}}
			groups[k] = g
		}
		g.count += h.Count
		g.paths[h.Path] += h.Count
	}

	out := make([]models.SuspiciousIP, 0, len(groups))
	for k, g := range groups {
		out = append(out, models.SuspiciousIP{
			IP:           k.ip,
			Reason:       k.reason,
			DetectedAt:   now,
			RequestCount: g.count,
			Details: map[string]interface{}{
				"paths":            g.paths,
				"access_count":     g.count,
				"detection_method": "sensitive_path_access",
			},
		})
	}
	return out, len(excludedIPs), nil
}

// classifyPath returns the reason of the longest configured prefix of path.
func (d *AnomalyDetector) classifyPath(path string) (models.ReasonCode, bool) {
	best := -1
	var reason models.ReasonCode
	for _, sp := range d.cfg.SensitivePaths {
		if strings.HasPrefix(path, sp.Prefix) && len(sp.Prefix) > best {
			best = len(sp.Prefix)
			reason = models.ParseReasonCode(sp.Reason)
		}
	}
	return reason, best >= 0
}

func excludeIP(ip string) bool {
	if _, ok := CanonicalIP(ip); !ok {
		return true
	}
	return IsLocalIP(ip)
}

func (d *AnomalyDetector) announce(ctx context.Context, rec models.SuspiciousIP) {
	if d.events != nil {
		if err := d.events.Publish(ctx, models.Event{Action: EventSuspicious, Data: rec}); err != nil {
			zlog.Warn().Err(err).Str("ip", rec.IP).Msg("Failed to publish suspicious event")
		}
	}
	if d.alerts != nil {
		d.alerts.Notify(ctx, AlertSuspiciousDetected, rec)
	}
}
