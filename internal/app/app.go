package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"iptracker/internal/config"
	"iptracker/internal/repository"
	"iptracker/internal/service"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

type App struct {
	Config        *config.Config
	RedisRepo     *repository.RedisRepository
	PgRepo        *repository.PostgresRepository
	LimiterClient *redis.Client
	AsynqClient   *asynq.Client
	RedisOpts     asynq.RedisClientOpt

	MaxMind     *service.MaxMindProvider
	Geo         *service.GeoResolver
	Blocklist   *service.BlocklistService
	RateLimiter *service.RateLimiter
	Anomaly     *service.AnomalyDetector
	Alerts      *service.AlertService
	AuthService *service.AuthService
	Pipeline    *service.Pipeline
	Scheduler   *service.SchedulerService

	closeOnce sync.Once
}

// SweepTrigger starts an anomaly sweep outside of its schedule.
type SweepTrigger interface {
	TriggerSweep(ctx context.Context) error
}

func Bootstrap(cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize Repositories
	redisRepo := repository.NewRedisRepository(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	if err := redisRepo.Ping(ctx); err != nil {
		_ = redisRepo.GetClient().Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pgRepo, err := repository.NewPostgresRepository(cfg.PostgresURL)
	if err != nil {
		_ = redisRepo.GetClient().Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	// Rate limit counters live in their own database so they can be flushed
	// without touching the blocklist mirror.
	limiterClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisLimDB,
	})
	period := time.Duration(cfg.RatePeriod) * time.Second
	rateLimiter, err := service.NewRateLimiter(limiterClient,
		service.RatePolicy{Name: service.PolicyLogin, Limit: int64(cfg.RateLimitLogin), Period: period},
		service.RatePolicy{Name: service.PolicyPasswordReset, Limit: int64(cfg.RateLimitPasswordReset), Period: period},
		service.RatePolicy{Name: service.PolicyLogs, Limit: int64(cfg.RateLimitLogs), Period: period},
	)
	if err != nil {
		_ = limiterClient.Close()
		_ = redisRepo.GetClient().Close()
		_ = pgRepo.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	redisOpts := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpts)

	// Initialize Services
	a := &App{
		Config:        cfg,
		RedisRepo:     redisRepo,
		PgRepo:        pgRepo,
		LimiterClient: limiterClient,
		AsynqClient:   asynqClient,
		RedisOpts:     redisOpts,
		RateLimiter:   rateLimiter,
	}

	var provider service.GeoProvider
	if cfg.GeoProvider == "maxmind" {
		a.MaxMind = service.NewMaxMindProvider(cfg.GeoIPDir)
		if err := a.MaxMind.Reload(); err != nil {
			zlog.Warn().Err(err).Str("path", a.MaxMind.Path()).Msg("GeoIP database not loaded yet; lookups resolve to Unknown until it is downloaded")
		}
		provider = a.MaxMind
	} else {
		provider = service.NewHTTPGeoProvider(cfg.GeoAPIURL, cfg.GeoTimeout)
	}
	a.Geo = service.NewGeoResolver(redisRepo, provider, cfg.GeoCacheTTL, cfg.GeoFailureTTL)

	a.Alerts = service.NewAlertService(asynqClient, cfg.AlertWebhookURL)
	a.Blocklist = service.NewBlocklistService(pgRepo, redisRepo, redisRepo)
	a.Anomaly = service.NewAnomalyDetector(pgRepo, service.AnomalyConfigFrom(cfg), redisRepo, a.Alerts)
	a.AuthService = service.NewAuthService(pgRepo)
	a.Scheduler = service.NewSchedulerService(a.Anomaly, redisRepo, a.Alerts, cfg.SweepMaxRetry, cfg.SweepRetryBase)
	a.Pipeline = service.NewPipeline(
		service.BlockStage(a.Blocklist),
		service.GeoStage(a.Geo),
		service.LogStage(pgRepo),
	)

	return a, nil
}

// SweepTrigger returns the manual sweep entry point for the configured
// scheduler mode.
func (a *App) SweepTrigger() SweepTrigger {
	if a.Config.SchedulerMode == "local" {
		return a.Scheduler
	}
	return service.NewQueuedSweep(a.AsynqClient, a.Config.SweepMaxRetry)
}

func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.Scheduler != nil {
			a.Scheduler.Stop()
		}
		if a.AsynqClient != nil {
			_ = a.AsynqClient.Close()
		}
		if a.MaxMind != nil {
			_ = a.MaxMind.Close()
		}
		if a.LimiterClient != nil {
			_ = a.LimiterClient.Close()
		}
		if a.RedisRepo != nil {
			_ = a.RedisRepo.GetClient().Close()
		}
		if a.PgRepo != nil {
			_ = a.PgRepo.Close()
		}
	})
}
