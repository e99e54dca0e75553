package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"driftsync/internal/authority"
	"driftsync/internal/domain/sync"
	"driftsync/pkg/logger"
)

// heartbeatInterval paces the comment frames that keep idle event streams
// from being reaped by proxies.
const heartbeatInterval = 15 * time.Second

// SyncHandler exposes the change-upload, bulk-load and realtime endpoints.
type SyncHandler struct {
	*BaseHandler
	service *authority.Service
	log     *logger.Logger
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(base *BaseHandler, service *authority.Service, log *logger.Logger) *SyncHandler {
	return &SyncHandler{
		BaseHandler: base,
		service:     service,
		log:         log.WithComponent("sync_handler"),
	}
}

// Changes handles POST /sync/changes.
// A fully accepted batch answers 200, a partial one 207; both statuses
// carry the same response shape.
func (h *SyncHandler) Changes(c *gin.Context) {
	ctx := c.Request.Context()

	var req sync.UploadRequest
	if !h.BindJSON(c, &req) {
		return
	}

	resp, err := h.service.ProcessChanges(ctx, h.DeviceID(c), req.Changes)
	if err != nil {
		h.Error(c, err)
		return
	}

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusMultiStatus
	}
	c.JSON(status, resp)
}

// BulkLoad handles POST /sync/bulk-load.
func (h *SyncHandler) BulkLoad(c *gin.Context) {
	ctx := c.Request.Context()

	var req sync.BulkLoadRequest
	if !h.BindJSON(c, &req) {
		return
	}

	resp, err := h.service.BulkLoad(ctx, req.Tables)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, resp)
}

// Events handles GET /sync/events: a server-sent-events stream of changes
// accepted from other devices. Each frame is a `data:` line holding one
// JSON event; comment lines are heartbeats.
func (h *SyncHandler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	deviceID := h.DeviceID(c)

	events, cancel := h.service.Subscribe(deviceID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// The first flush confirms the subscription is live before the client
	// returns from its dial.
	fmt.Fprint(c.Writer, ": connected\n\n")
	c.Writer.Flush()

	h.log.WithContext(ctx).Infow("event stream opened", "device_id", deviceID)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.WithContext(ctx).Infow("event stream closed", "device_id", deviceID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.WithContext(ctx).Warnw("dropping unencodable event", "error", err)
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": ping\n\n")
			c.Writer.Flush()
		}
	}
}

// RegisterRoutes registers sync routes on the authenticated group.
func (h *SyncHandler) RegisterRoutes(protected *gin.RouterGroup) {
	protected.POST("/changes", h.Changes)
	protected.POST("/bulk-load", h.BulkLoad)
	protected.GET("/events", h.Events)
}
