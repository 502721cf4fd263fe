package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/core"
)

// Reloader re-reads the configuration source and applies it.
type Reloader func() error

type LanguageRequest struct {
	Language string `json:"language" binding:"required"`
}

type SettingsResponse struct {
	Language     string                `json:"language"`
	Printer      PrinterConfigResponse `json:"printer"`
	PowerEnabled bool                  `json:"power_enabled"`
	MaxAttempts  int                   `json:"max_attempts"`
	Backoff      string                `json:"backoff"`
	RetryDelay   string                `json:"retry_delay"`
	HistoryLimit int                   `json:"history_limit"`
	Webhooks     int                   `json:"webhooks"`
}

type SettingsHandler struct {
	queue  Configurable
	reload Reloader
}

func NewSettingsHandler(queue Configurable, reload Reloader) *SettingsHandler {
	return &SettingsHandler{queue: queue, reload: reload}
}

func (h *SettingsHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsResponse(h.queue.Config()))
}

func (h *SettingsHandler) UpdateLanguage(c *gin.Context) {
	var req LanguageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.queue.UpdateConfig(func(cfg *config.Config) {
		cfg.Language = req.Language
	})
	if err != nil {
		writeConfigError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "language updated", "language": core.Language(cfg.Language)})
}

func (h *SettingsHandler) ReloadConfig(c *gin.Context) {
	if h.reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reload not available"})
		return
	}
	if err := h.reload(); err != nil {
		writeConfigError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":  "configuration reloaded",
		"settings": settingsResponse(h.queue.Config()),
	})
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetSettings)
	r.POST("/settings/language", h.UpdateLanguage)
	r.POST("/reload-config", h.ReloadConfig)
}

func settingsResponse(cfg *config.Config) SettingsResponse {
	return SettingsResponse{
		Language:     cfg.Language,
		Printer:      printerConfigResponse(cfg.Printer),
		PowerEnabled: cfg.Power.Enabled,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      cfg.Queue.Backoff,
		RetryDelay:   cfg.Queue.RetryDelay.String(),
		HistoryLimit: cfg.Queue.HistoryLimit,
		Webhooks:     len(cfg.Webhooks),
	}
}
