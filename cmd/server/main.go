package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"iptracker/internal/api"
	"iptracker/internal/app"
	"iptracker/internal/config"
	"iptracker/internal/logging"
	"iptracker/internal/repository"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/redis"
	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogWeb, true)

	// Derive two distinct 32 byte keys from the single configured secret.
	hash := sha256.New()
	hash.Write([]byte(cfg.SecretKey))
	authKey := hash.Sum(nil)

	hash.Reset()
	hash.Write([]byte(cfg.SecretKey + "_encryption"))
	blockKey := hash.Sum(nil)

	zlog.Info().Str("port", cfg.Port).Str("scheduler_mode", cfg.SchedulerMode).Msg("Starting iptracker server")
	if cfg.SecretKey == "change-me" {
		zlog.Warn().Msg("SECRET_KEY is using default. Please set a 32-byte string via environment variable.")
	}

	if err := repository.Migrate(cfg.PostgresURL); err != nil {
		zlog.Fatal().Err(err).Msg("Database migration failed")
	}

	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := a.AuthService.EnsureAdmin(ctx, cfg.GUIAdmin, cfg.GUIPassword); err != nil {
		zlog.Error().Err(err).Msg("Failed to seed admin user")
	}

	// The bloom filter and the Redis mirror are rebuilt from Postgres before
	// the first request is served.
	if err := a.Blocklist.Sync(ctx); err != nil {
		zlog.Error().Err(err).Msg("Initial blocklist sync failed")
	}
	go a.Blocklist.Run(ctx, cfg.BlocklistSyncInterval)

	if a.MaxMind != nil {
		go reloadGeoIP(ctx, a)
	}

	var worker *app.Worker
	if cfg.RunWorkerInProcess {
		zlog.Info().Msg("Starting background worker in-process")
		worker, err = a.NewWorker(10)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to configure worker")
		}
		if err := worker.Start(); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to start worker")
		}
	} else {
		zlog.Info().Msg("Background worker disabled (external worker expected)")
	}
	if cfg.SchedulerMode == "local" {
		if err := a.Scheduler.Start(cfg.SweepSchedule); err != nil {
			zlog.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Invalid sweep schedule")
		}
	}

	hub := api.NewHub(a.RedisRepo)
	go hub.Run()
	go hub.Relay(ctx)

	if !cfg.LogWeb {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// Requests from Docker, Tailscale and private networks carry the client
	// address in X-Forwarded-For.
	trustedProxies := []string{"127.0.0.1", "172.16.0.0/12", "100.64.0.0/10", "10.0.0.0/8", "192.168.0.0/16"}
	for _, p := range strings.Split(cfg.TrustedProxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			trustedProxies = append(trustedProxies, p)
		}
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		zlog.Error().Err(err).Msg("Failed to set trusted proxies")
	}
	if cfg.UseCloudflare {
		r.ForwardedByClientIP = true
		r.Use(api.CloudflareMiddleware())
	}

	store, err := redis.NewStore(10, "tcp", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort), cfg.RedisPassword, authKey, blockKey)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create session store")
	}
	store.Options(sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.CookieSecure || cfg.UseCloudflare,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   86400,
	})
	r.Use(sessions.Sessions("iptracker_session", store))

	handler := api.NewAPIHandler(cfg, a.RedisRepo, a.PgRepo, a.AuthService, a.Blocklist, hub)
	handler.SetPipeline(a.Pipeline)
	handler.SetLimiter(a.RateLimiter)
	handler.SetSweepTrigger(a.SweepTrigger())
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	if worker != nil {
		worker.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	stop()
	hub.Stop()
	zlog.Info().Msg("Server exiting")
}

// reloadGeoIP picks up databases downloaded by an external worker.
func reloadGeoIP(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(a.MaxMind.Path())
			if err != nil || !info.ModTime().After(lastMod) {
				continue
			}
			if err := a.MaxMind.Reload(); err != nil {
				zlog.Error().Err(err).Msg("Failed to reload GeoIP database")
				continue
			}
			lastMod = info.ModTime()
			zlog.Info().Str("path", a.MaxMind.Path()).Msg("GeoIP database reloaded")
		}
	}
}
