package api

import (
	"net/http"
	"strconv"
	"time"

	"iptracker/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	ctxClientIP = "client_ip"
	ctxGeo      = "geo"
)

// CloudflareMiddleware makes c.ClientIP() return the address Cloudflare saw.
// Only install it when the server is reachable exclusively through Cloudflare.
func CloudflareMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfIP := c.GetHeader("CF-Connecting-IP"); cfIP != "" {
			c.Request.Header.Set("X-Forwarded-For", cfIP)
		}
		c.Next()
	}
}

// TrackingMiddleware runs the request pipeline: blocked clients are rejected
// before anything is written, everyone else is geolocated and logged.
func (h *APIHandler) TrackingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip, _ := service.CanonicalIP(c.ClientIP())
		c.Set(ctxClientIP, ip)
		if h.pipeline == nil {
			c.Next()
			return
		}

		req := &service.TrackedRequest{
			IP:        ip,
			Path:      c.Request.URL.Path,
			Method:    c.Request.Method,
			Timestamp: time.Now().UTC(),
		}
		if v := h.pipeline.Run(c.Request.Context(), req); v != nil {
			c.AbortWithStatusJSON(v.Status, v.Body)
			return
		}
		c.Set(ctxGeo, req.Geo)
		c.Next()
	}
}

// KeyFunc selects the rate limit counter a request is charged to.
type KeyFunc func(c *gin.Context) string

func ByClientIP(c *gin.Context) string {
	if ip := c.GetString(ctxClientIP); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + c.ClientIP()
}

// ByUsername charges authenticated requests to the user and falls back to
// the client address.
func ByUsername(c *gin.Context) string {
	if u := c.GetString(ctxUsername); u != "" {
		return "user:" + u
	}
	return ByClientIP(c)
}

// RateLimitMiddleware enforces policy per key. When the counter store is
// unavailable the request is let through.
func (h *APIHandler) RateLimitMiddleware(policy string, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		d, err := h.limiter.Check(c.Request.Context(), policy, key(c))
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
