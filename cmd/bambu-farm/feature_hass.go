//go:build !no_hass

package main

import (
	"log/slog"

	"bambu-farm/internal/fleet"
	"bambu-farm/internal/hass"
)

type hassStopper struct {
	bridge *hass.Bridge
}

func (h *hassStopper) Stop() {
	if h.bridge != nil {
		h.bridge.Stop()
	}
}

func initHomeAssistant(events *fleet.EventBus, fm *fleet.Manager, cfg *Config, logger *slog.Logger) *hassStopper {
	if !cfg.HomeAssistant.Enabled {
		return &hassStopper{}
	}
	bridge, err := hass.NewBridge(fm, events, hass.Config{
		Broker:        cfg.HomeAssistant.Broker,
		Username:      cfg.HomeAssistant.Username,
		Password:      cfg.HomeAssistant.Password,
		TopicPrefix:   cfg.HomeAssistant.TopicPrefix,
		StateInterval: cfg.hassInterval,
	}, logger)
	if err != nil {
		logger.Error("home assistant bridge", "err", err)
		return &hassStopper{}
	}
	bridge.Start()
	return &hassStopper{bridge: bridge}
}
