package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paperoo/spool/internal/core"
)

type HealthSource interface {
	PrinterQueue
	Stats() core.Stats
}

type HealthHandler struct {
	queue HealthSource
}

func NewHealthHandler(queue HealthSource) *HealthHandler {
	return &HealthHandler{queue: queue}
}

// Health never probes the printer; it reports what the last check saw.
func (h *HealthHandler) Health(c *gin.Context) {
	target := h.queue.PrinterStatus(c.Request.Context(), false)
	stats := h.queue.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":            "healthy",
		"printer_kind":      target.Kind,
		"printer_reachable": target.Reachable,
		"power_enabled":     h.queue.Config().Power.Enabled,
		"powered":           target.Powered,
		"pending":           stats.Pending,
		"failed":            stats.Failed,
	})
}
