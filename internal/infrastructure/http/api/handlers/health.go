package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"driftsync/internal/authority"
)

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	authority *authority.Service
	version   string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(svc *authority.Service, version string) *HealthHandler {
	return &HealthHandler{authority: svc, version: version}
}

// Live handles liveness probe (is the process alive?).
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready handles readiness probe (is the service ready to accept traffic?).
// GET /health/ready
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := h.authority.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"checks": map[string]string{
				"store": "unhealthy: " + err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"checks": map[string]string{
			"store": "healthy",
		},
	})
}

// Info returns application information.
// GET /health/info
func (h *HealthHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":         "driftsync-authority",
		"version":     h.version,
		"tables":      h.authority.Tables(),
		"subscribers": h.authority.Subscribers(),
	})
}
