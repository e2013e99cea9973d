package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"iptracker/internal/config"
	"iptracker/internal/metrics"
	"iptracker/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
)

type APIHandler struct {
	cfg         *config.Config
	redisRepo   RedisPinger
	pgRepo      PostgresRepositoryProvider
	authService AuthServiceProvider
	blocklist   BlocklistProvider
	hub         *Hub
	pipeline    *service.Pipeline
	limiter     RateChecker
	sweeps      SweepTrigger
}

func NewAPIHandler(cfg *config.Config, r RedisPinger, pg PostgresRepositoryProvider, auth AuthServiceProvider, blocklist BlocklistProvider, hub *Hub) *APIHandler {
	return &APIHandler{
		cfg:         cfg,
		redisRepo:   r,
		pgRepo:      pg,
		authService: auth,
		blocklist:   blocklist,
		hub:         hub,
	}
}

// SetPipeline installs the stages run for every tracked request.
func (h *APIHandler) SetPipeline(p *service.Pipeline) {
	h.pipeline = p
}

func (h *APIHandler) SetLimiter(l RateChecker) {
	h.limiter = l
}

func (h *APIHandler) SetSweepTrigger(s SweepTrigger) {
	h.sweeps = s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *APIHandler) WS(c *gin.Context) {
	if h.hub == nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	select {
	case h.hub.register <- conn:
	case <-h.hub.stop:
		conn.Close()
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer func() {
		pingTicker.Stop()
		select {
		case h.hub.unregister <- conn:
		case <-h.hub.stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(70 * time.Second))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-pingTicker.C:
			if err := h.hub.writeControl(conn, websocket.PingMessage); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *APIHandler) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		c.Next()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		metrics.MetricHttpDuration.WithLabelValues(path, c.Request.Method, status).Observe(duration)
	}
}

func (h *APIHandler) SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "same-origin")
		if h.cfg.UseCloudflare || c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func (h *APIHandler) RegisterRoutes(r *gin.Engine) {
	r.Use(h.PrometheusMiddleware(), h.SecurityHeaders())

	// Probes and metrics are not tracked.
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", h.MetricsAuthMiddleware(), gin.WrapH(promhttp.Handler()))

	tracked := r.Group("/")
	tracked.Use(h.TrackingMiddleware())
	{
		tracked.GET("/ws", h.AuthMiddleware(), h.WS)

		apiGroup := tracked.Group("/api")
		apiGroup.POST("/login/", h.RateLimitMiddleware(service.PolicyLogin, ByClientIP), h.Login)
		apiGroup.POST("/password-reset/", h.RateLimitMiddleware(service.PolicyPasswordReset, ByClientIP), h.PasswordReset)
		apiGroup.GET("/logs/", h.AuthMiddleware(), h.RateLimitMiddleware(service.PolicyLogs, ByUsername), h.Logs)
		apiGroup.POST("/logout/", h.Logout)

		admin := apiGroup.Group("/admin")
		admin.Use(h.AuthMiddleware(), h.RBACMiddleware("admin"))
		{
			admin.GET("/blocked", h.ListBlocked)
			admin.POST("/blocked", h.BlockIP)
			admin.DELETE("/blocked/:ip", h.UnblockIP)
			admin.GET("/suspicious", h.ListSuspicious)
			admin.POST("/suspicious/investigate", h.MarkInvestigated)
			admin.POST("/sweep", h.TriggerSweep)
			admin.POST("/tokens", h.CreateAPIToken)
			admin.GET("/audit", h.AuditLogs)
		}
	}

	// Unknown paths are still tracked so that probes of sensitive prefixes
	// reach the request log.
	r.NoRoute(h.TrackingMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
}

func (h *APIHandler) Health(c *gin.Context) {
	status := "UP"
	dbStatus := "OK"
	redisStatus := "OK"
	if h.redisRepo != nil {
		if err := h.redisRepo.Ping(c.Request.Context()); err != nil {
			redisStatus = "ERROR"
			status = "DEGRADED"
		}
	} else {
		redisStatus = "MISSING"
		status = "DEGRADED"
	}
	if h.pgRepo != nil {
		if err := h.pgRepo.Ping(c.Request.Context()); err != nil {
			dbStatus = "ERROR"
			status = "DEGRADED"
		}
	} else {
		dbStatus = "MISSING"
		status = "DEGRADED"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "postgres": dbStatus, "redis": redisStatus})
}

func (h *APIHandler) Ready(c *gin.Context) {
	dep := map[string]bool{"redis": false, "postgres": false}
	if h.redisRepo != nil {
		dep["redis"] = h.redisRepo.Ping(c.Request.Context()) == nil
	}
	if h.pgRepo != nil {
		dep["postgres"] = h.pgRepo.Ping(c.Request.Context()) == nil
	}
	if !dep["redis"] || !dep["postgres"] {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "NOT_READY", "dependencies": dep})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "READY", "dependencies": dep})
}

func (h *APIHandler) MetricsAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		for _, ip := range strings.Split(h.cfg.MetricsAllowedIPs, ",") {
			if strings.TrimSpace(ip) == clientIP {
				c.Next()
				return
			}
		}
		zlog.Debug().Str("ip", clientIP).Msg("Metrics request from address outside the allow-list")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Access denied"})
	}
}
