package service

import (
	"context"
	"net/http"
	"time"
	"unicode/utf8"

	"iptracker/internal/metrics"
	"iptracker/internal/models"

	zlog "github.com/rs/zerolog/log"
)

const BlockedMessage = "Access denied: Your IP address has been blocked."

// TrackedRequest is the per-request state passed through the pipeline.
type TrackedRequest struct {
	IP        string
	Path      string
	Method    string
	Timestamp time.Time
	Geo       models.GeoResult
}

// Verdict ends the pipeline with a response instead of calling the handler.
type Verdict struct {
	Status int
	Body   interface{}
}

type Stage func(ctx context.Context, req *TrackedRequest) *Verdict

type Pipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run applies the stages in order and returns the first verdict, if any.
func (p *Pipeline) Run(ctx context.Context, req *TrackedRequest) *Verdict {
	for _, stage := range p.stages {
		if v := stage(ctx, req); v != nil {
			return v
		}
	}
	return nil
}

type BlockChecker interface {
	IsBlocked(ctx context.Context, ip string) bool
}

type GeoLookup interface {
	Resolve(ctx context.Context, ip string) models.GeoResult
}

type RequestLogWriter interface {
	InsertRequestLog(ctx context.Context, e models.RequestLogEntry) error
}

func BlockStage(checker BlockChecker) Stage {
	return func(ctx context.Context, req *TrackedRequest) *Verdict {
		if req.IP == "" || !checker.IsBlocked(ctx, req.IP) {
			return nil
		}
		metrics.MetricBlockedRequests.Inc()
		zlog.Info().Str("ip", req.IP).Str("path", req.Path).Msg("Rejected request from blocked IP")
		return &Verdict{
			Status: http.StatusForbidden,
			Body:   map[string]string{"error": BlockedMessage},
		}
	}
}

func GeoStage(geo GeoLookup) Stage {
	return func(ctx context.Context, req *TrackedRequest) *Verdict {
		if req.IP == "" {
			req.Geo = models.GeoUnknown
			return nil
		}
		req.Geo = geo.Resolve(ctx, req.IP)
		return nil
	}
}

// LogStage records the request. A failed write is counted and logged but
// never rejects the request.
func LogStage(writer RequestLogWriter) Stage {
	return func(ctx context.Context, req *TrackedRequest) *Verdict {
		if req.IP == "" {
			return nil
		}
		entry := models.RequestLogEntry{
			IP:        req.IP,
			Timestamp: req.Timestamp,
			Path:      truncate(req.Path, 2048),
			Country:   truncate(req.Geo.Country, 100),
			City:      truncate(req.Geo.City, 100),
		}
		if err := writer.InsertRequestLog(ctx, entry); err != nil {
			metrics.MetricRequestLogErrors.Inc()
			zlog.Error().Err(err).Str("ip", req.IP).Str("path", req.Path).Msg("Failed to write request log")
		}
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
