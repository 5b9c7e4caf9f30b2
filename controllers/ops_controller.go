package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"marketpulse/scheduler"
	"marketpulse/services/stream"
	"marketpulse/services/tickarchive"
)

// OpsController exposes pipeline internals for operators
type OpsController struct {
	refresher *scheduler.Refresher
	hub       *stream.Hub
	gateway   *stream.Gateway
	archive   *tickarchive.Archive
	startedAt time.Time
	log       *zap.Logger
}

// NewOpsController creates a new ops controller
func NewOpsController(refresher *scheduler.Refresher, hub *stream.Hub, gateway *stream.Gateway, archive *tickarchive.Archive, log *zap.Logger) *OpsController {
	if log == nil {
		log = zap.NewNop()
	}
	return &OpsController{
		refresher: refresher,
		hub:       hub,
		gateway:   gateway,
		archive:   archive,
		startedAt: time.Now(),
		log:       log,
	}
}

// GetStatus returns a snapshot of the refresh loop, hub, websocket gateway,
// and tick archive.
// GET /api/ops/status
func (oc *OpsController) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":    time.Since(oc.startedAt).Round(time.Second).String(),
		"scheduler": oc.refresher.Status(),
		"hub":       oc.hub.Stats(),
		"websocket": gin.H{
			"clients":     oc.gateway.ClientCount(),
			"max_clients": oc.gateway.MaxClients(),
		},
		"archive": oc.archive.Status(),
	})
}

// GetRecentTicks returns the newest archived tick summaries.
// GET /api/ops/ticks?n=20
func (oc *OpsController) GetRecentTicks(c *gin.Context) {
	if !oc.archive.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Tick archive not configured"})
		return
	}

	n, _ := strconv.Atoi(c.DefaultQuery("n", "20"))
	records, err := oc.archive.Recent(c.Request.Context(), n)
	if err != nil {
		oc.log.Error("tick archive query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load tick summaries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": len(records), "data": records})
}
