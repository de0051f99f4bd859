//go:build !no_automation

package main

import (
	"log/slog"

	"bambu-farm/internal/automation"
	"bambu-farm/internal/fleet"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(events *fleet.EventBus, fm *fleet.Manager, cfg *Config, logger *slog.Logger) *autoStopper {
	scripts, err := automation.NewScripts(cfg.Automation.ScriptsDir)
	if err != nil {
		logger.Error("open scripts dir", "err", err)
		return &autoStopper{}
	}
	engine := automation.NewEngine(events, fm, scripts, cfg.Notify, logger)
	engine.Start()
	return &autoStopper{engine: engine}
}
