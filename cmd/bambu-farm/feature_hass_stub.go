//go:build no_hass

package main

import (
	"log/slog"

	"bambu-farm/internal/fleet"
)

type hassStopper struct{}

func (h *hassStopper) Stop() {}

func initHomeAssistant(_ *fleet.EventBus, _ *fleet.Manager, _ *Config, _ *slog.Logger) *hassStopper {
	return &hassStopper{}
}
