// Package app wires the spool's components into a running service.
package app

import (
	"log/slog"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/core"
	"github.com/paperoo/spool/internal/power"
	"github.com/paperoo/spool/internal/printer"
)

// Factory builds real transports and MQTT-backed power controllers.
type Factory struct {
	log *slog.Logger
}

func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

func (f *Factory) Transport(cfg config.PrinterConfig) (printer.Transport, error) {
	return printer.New(cfg)
}

// Power returns no device when power management is disabled.
func (f *Factory) Power(cfg config.PowerConfig) (core.PowerDevice, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := power.NewMQTTClient(cfg, f.log.With("component", "mqtt"))
	return power.NewController(cfg, client, f.log.With("component", "power")), nil
}
