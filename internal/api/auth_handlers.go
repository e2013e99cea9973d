package api

import (
	"net/http"
	"strings"
	"time"

	"iptracker/internal/models"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

const (
	ctxUsername = "username"
	ctxRole     = "role"

	recentLogsLimit = 20
)

// AuthMiddleware accepts a bearer token or a logged in session.
func (h *APIHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") && h.authService != nil {
			admin, err := h.authService.AuthenticateToken(c.Request.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				zlog.Warn().Err(err).Str("ip", c.ClientIP()).Msg("Rejected API token")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			c.Set(ctxUsername, admin.Username)
			c.Set(ctxRole, admin.Role)
			c.Next()
			return
		}

		session := sessions.Default(c)
		if loggedIn, _ := session.Get("logged_in").(bool); !loggedIn {
			zlog.Debug().Str("path", c.Request.URL.Path).Msg("Session missing or invalid")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		// Sessions are bound to the address they were opened from.
		if storedIP, _ := session.Get("client_ip").(string); storedIP != c.ClientIP() {
			session.Clear()
			_ = session.Save()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		username, _ := session.Get("username").(string)
		role, _ := session.Get("role").(string)
		if h.pgRepo != nil {
			admin, err := h.pgRepo.GetAdmin(c.Request.Context(), username)
			if err != nil || admin == nil {
				zlog.Warn().Str("username", username).Msg("Session active for non-existent user")
				session.Clear()
				_ = session.Save()
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
				return
			}
			role = admin.Role
		}

		c.Set(ctxUsername, username)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func (h *APIHandler) RBACMiddleware(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get(ctxRole)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Role not found"})
			return
		}

		// admin > operator > viewer
		weights := map[string]int{"viewer": 1, "operator": 2, "admin": 3}
		roleStr, _ := role.(string)
		if weights[roleStr] == 0 || weights[roleStr] < weights[requiredRole] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

func (h *APIHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx := c.Request.Context()
	var admin *models.AdminAccount
	ok := false
	if h.authService != nil {
		admin, ok = h.authService.CheckAuth(ctx, req.Username, req.Password)
	}
	if !ok {
		h.audit(c, req.Username, "LOGIN_FAILURE", c.ClientIP(), "invalid credentials")
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "Invalid credentials"})
		return
	}

	session := sessions.Default(c)
	session.Clear()
	session.Set("logged_in", true)
	session.Set("username", admin.Username)
	session.Set("role", admin.Role)
	session.Set("client_ip", c.ClientIP())
	session.Set("login_time", time.Now().UTC().Format(time.RFC3339))
	if err := session.Save(); err != nil {
		zlog.Error().Err(err).Msg("Failed to save session during login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open session"})
		return
	}

	h.audit(c, admin.Username, "LOGIN_SUCCESS", c.ClientIP(), "")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Login attempt processed"})
}

func (h *APIHandler) PasswordReset(c *gin.Context) {
	zlog.Info().Str("ip", c.GetString(ctxClientIP)).Msg("Password reset requested")
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Password reset email sent"})
}

// Logs returns the most recent request log entries of the caller's address.
func (h *APIHandler) Logs(c *gin.Context) {
	ip := c.GetString(ctxClientIP)
	logs := []models.RequestLogEntry{}
	if ip != "" && h.pgRepo != nil {
		found, err := h.pgRepo.RecentLogsByIP(c.Request.Context(), ip, recentLogsLimit)
		if err != nil {
			zlog.Error().Err(err).Str("ip", ip).Msg("Failed to read request logs")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read logs"})
			return
		}
		if found != nil {
			logs = found
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "count": len(logs), "logs": logs})
}

func (h *APIHandler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	_ = session.Save()
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Logged out"})
}

func (h *APIHandler) audit(c *gin.Context, actor, action, target, reason string) {
	if h.pgRepo == nil {
		return
	}
	if err := h.pgRepo.LogAction(c.Request.Context(), actor, action, target, reason); err != nil {
		zlog.Error().Err(err).Str("action", action).Msg("Failed to write audit log")
	}
}
