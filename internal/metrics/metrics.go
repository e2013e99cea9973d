package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "blocks_total", Help: "Number of IP blocks"},
		[]string{"source"},
	)
	MetricUnblocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "unblocks_total", Help: "Number of IP unblocks"},
		[]string{"source"},
	)
	MetricBlockedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "blocked_requests_total", Help: "Requests rejected because the client IP is blocked"},
	)
	MetricRequestLogErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "request_log_errors_total", Help: "Request log writes that failed and were swallowed"},
	)
	MetricGeoLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "geo_lookups_total", Help: "Geolocation lookups by outcome"},
		[]string{"result"},
	)
	MetricRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "ratelimit_rejections_total", Help: "Requests rejected by a rate limit policy"},
		[]string{"policy"},
	)
	MetricRateLimitErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "ratelimit_errors_total", Help: "Rate limit store errors (request allowed)"},
		[]string{"policy"},
	)
	MetricSweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "sweep_runs_total", Help: "Anomaly sweep executions by status"},
		[]string{"status"},
	)
	MetricSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "iptracker",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of anomaly sweeps in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)
	MetricDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "iptracker", Name: "suspicious_detections_total", Help: "Suspicious IP records created"},
		[]string{"reason"},
	)
	MetricHttpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iptracker",
			Name:      "http_duration_seconds",
			Help:      "Latency of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
	MetricRedisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iptracker",
			Name:      "redis_op_duration_seconds",
			Help:      "Latency of Redis operations in seconds",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(MetricBlocksTotal)
	prometheus.MustRegister(MetricUnblocksTotal)
	prometheus.MustRegister(MetricBlockedRequests)
	prometheus.MustRegister(MetricRequestLogErrors)
	prometheus.MustRegister(MetricGeoLookups)
	prometheus.MustRegister(MetricRateLimited)
	prometheus.MustRegister(MetricRateLimitErrors)
	prometheus.MustRegister(MetricSweepRuns)
	prometheus.MustRegister(MetricSweepDuration)
	prometheus.MustRegister(MetricDetections)
	prometheus.MustRegister(MetricHttpDuration)
	prometheus.MustRegister(MetricRedisDuration)
}
