package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"iptracker/internal/models"
	"iptracker/internal/service"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
)

func (h *APIHandler) actor(c *gin.Context) service.Actor {
	return service.Actor{Name: c.GetString(ctxUsername), Source: "api"}
}

func (h *APIHandler) ListBlocked(c *gin.Context) {
	list, err := h.blocklist.List(c.Request.Context())
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to list blocked IPs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list blocked IPs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(list), "blocked": list})
}

// BlockIP blocks an address, or updates the reason of an existing block.
func (h *APIHandler) BlockIP(c *gin.Context) {
	var req struct {
		IP     string `json:"ip"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	b, created, err := h.blocklist.Block(c.Request.Context(), req.IP, req.Reason, h.actor(c))
	if err != nil {
		if errors.Is(err, service.ErrInvalidIP) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid IP address"})
			return
		}
		zlog.Error().Err(err).Str("ip", req.IP).Msg("Failed to block IP")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to block IP"})
		return
	}

	// The blocklist service publishes the event; the hub relays it.
	if !created {
		c.JSON(http.StatusOK, gin.H{"status": "already blocked", "ip": b.IP, "entry": b})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "blocked", "ip": b.IP, "entry": b})
}

func (h *APIHandler) UnblockIP(c *gin.Context) {
	ip := c.Param("ip")
	err := h.blocklist.Unblock(c.Request.Context(), ip, h.actor(c))
	switch {
	case errors.Is(err, service.ErrInvalidIP):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid IP address"})
		return
	case errors.Is(err, service.ErrNotBlocked):
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("IP %s is not in the blacklist", ip)})
		return
	case err != nil:
		zlog.Error().Err(err).Str("ip", ip).Msg("Failed to unblock IP")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unblock IP"})
		return
	}

	canon, _ := service.CanonicalIP(ip)
	c.JSON(http.StatusOK, gin.H{"status": "unblocked", "ip": canon})
}

func (h *APIHandler) ListSuspicious(c *gin.Context) {
	var f models.SuspiciousFilter

	if ip := c.Query("ip"); ip != "" {
		canon, ok := service.CanonicalIP(ip)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid IP address"})
			return
		}
		f.IP = canon
	}
	if reason := strings.ToLower(c.Query("reason")); reason != "" {
		code := models.ParseReasonCode(reason)
		if string(code) != reason {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reason"})
			return
		}
		f.Reason = code
	}
	if inv := c.Query("investigated"); inv != "" {
		b, err := strconv.ParseBool(inv)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "investigated must be true or false"})
			return
		}
		f.Investigated = &b
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		f.Limit = n
	}

	records, err := h.pgRepo.ListSuspicious(c.Request.Context(), f)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to list suspicious IPs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list suspicious IPs"})
		return
	}
	if records == nil {
		records = []models.SuspiciousIP{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "suspicious": records})
}

// MarkInvestigated is the review action; it is the only writer of is_investigated.
func (h *APIHandler) MarkInvestigated(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
		return
	}

	n, err := h.pgRepo.MarkInvestigated(c.Request.Context(), req.IDs)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to mark suspicious IPs as investigated")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update records"})
		return
	}

	ids := make([]string, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	h.audit(c, c.GetString(ctxUsername), "INVESTIGATE", strings.Join(ids, ","), "")
	c.JSON(http.StatusOK, gin.H{"status": "success", "updated": n})
}

func (h *APIHandler) TriggerSweep(c *gin.Context) {
	if h.sweeps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sweep scheduling is not configured"})
		return
	}
	if err := h.sweeps.TriggerSweep(c.Request.Context()); err != nil {
		if errors.Is(err, service.ErrSweepPending) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		zlog.Error().Err(err).Msg("Failed to trigger anomaly sweep")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to trigger sweep"})
		return
	}
	h.audit(c, c.GetString(ctxUsername), "SWEEP", "", "manual trigger")
	if h.hub != nil {
		h.hub.BroadcastEvent("sweep_triggered", gin.H{"by": c.GetString(ctxUsername)})
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// CreateAPIToken issues a bearer token for the caller. The raw token is only
// returned here.
func (h *APIHandler) CreateAPIToken(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Token name required"})
		return
	}

	username := c.GetString(ctxUsername)
	raw, err := h.authService.CreateToken(c.Request.Context(), username, req.Name)
	if err != nil {
		zlog.Error().Err(err).Str("username", username).Msg("Failed to create API token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create token"})
		return
	}
	h.audit(c, username, "TOKEN_CREATE", req.Name, "")
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "token": raw})
}

func (h *APIHandler) AuditLogs(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = min(n, 1000)
	}

	logs, err := h.pgRepo.GetAuditLogs(c.Request.Context(), limit)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to read audit logs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read audit logs"})
		return
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(logs), "logs": logs})
}
