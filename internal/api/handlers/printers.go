package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/core"
	"github.com/paperoo/spool/internal/printer"
)

// Configurable is the part of the queue facade that reads and edits the
// running configuration.
type Configurable interface {
	Config() *config.Config
	UpdateConfig(edit func(cfg *config.Config)) (*config.Config, error)
}

type PrinterQueue interface {
	Configurable
	PrinterStatus(ctx context.Context, probe bool) core.PrinterTarget
}

// Detector lists printers attached to the host.
type Detector func() ([]printer.Candidate, error)

type SelectPrinterRequest struct {
	Type       string `json:"type" binding:"required,oneof=usb serial network"`
	VendorID   string `json:"vendor_id"`
	ProductID  string `json:"product_id"`
	SerialPort string `json:"serial_port"`
	BaudRate   int    `json:"baud_rate"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

type PrinterConfigResponse struct {
	Type       string `json:"type"`
	VendorID   string `json:"vendor_id,omitempty"`
	ProductID  string `json:"product_id,omitempty"`
	SerialPort string `json:"serial_port,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
}

type PrinterHandler struct {
	queue  PrinterQueue
	detect Detector
}

func NewPrinterHandler(queue PrinterQueue, detect Detector) *PrinterHandler {
	if detect == nil {
		detect = printer.Detect
	}
	return &PrinterHandler{queue: queue, detect: detect}
}

// GetPrinter returns the cached target; ?probe=true checks the printer first.
func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	probe := c.Query("probe") == "true"
	c.JSON(http.StatusOK, h.queue.PrinterStatus(c.Request.Context(), probe))
}

func (h *PrinterHandler) DetectPrinters(c *gin.Context) {
	candidates, err := h.detect()
	if err != nil && len(candidates) == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to detect printers", "message": err.Error()})
		return
	}

	resp := gin.H{
		"printers": candidates,
		"current":  printerConfigResponse(h.queue.Config().Printer),
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// SelectPrinter switches the active printer. The change lives until the
// next configuration reload.
func (h *PrinterHandler) SelectPrinter(c *gin.Context) {
	var req SelectPrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.queue.UpdateConfig(func(cfg *config.Config) {
		cfg.Printer.Type = req.Type
		switch req.Type {
		case config.PrinterUSB:
			cfg.Printer.USB.VendorID = req.VendorID
			cfg.Printer.USB.ProductID = req.ProductID
		case config.PrinterSerial:
			cfg.Printer.Serial.Port = req.SerialPort
			if req.BaudRate > 0 {
				cfg.Printer.Serial.BaudRate = req.BaudRate
			}
		case config.PrinterNetwork:
			cfg.Printer.Network.Host = strings.TrimSpace(req.Host)
			if req.Port > 0 {
				cfg.Printer.Network.Port = req.Port
			}
		}
	})
	if err != nil {
		writeConfigError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "printer selected",
		"printer": printerConfigResponse(cfg.Printer),
	})
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printer", h.GetPrinter)
	r.GET("/printers", h.DetectPrinters)
	r.POST("/printers/select", h.SelectPrinter)
}

func printerConfigResponse(p config.PrinterConfig) PrinterConfigResponse {
	resp := PrinterConfigResponse{Type: p.Type}
	switch p.Type {
	case config.PrinterUSB:
		resp.VendorID = p.USB.VendorID
		resp.ProductID = p.USB.ProductID
	case config.PrinterSerial:
		resp.SerialPort = p.Serial.Port
	case config.PrinterNetwork:
		resp.Host = p.Network.Host
		resp.Port = p.Network.Port
	}
	return resp
}

func writeConfigError(c *gin.Context, err error) {
	var cerr *config.ConfigError
	if errors.As(err, &cerr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": cerr.Field})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
