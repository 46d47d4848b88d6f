//go:build !no_automation

package main

import (
	"log/slog"

	"clock-onair/internal/automation"
	"clock-onair/internal/bus"
	"clock-onair/internal/line"
	"clock-onair/internal/nowplaying"
	"clock-onair/internal/web"
)

type autoStopper struct {
	manager *automation.Manager
	engine  *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

// webOptions exposes the script management API when the engine is up.
func (a *autoStopper) webOptions() []web.ServerOption {
	if a.manager == nil {
		return nil
	}
	return []web.ServerOption{web.WithAutomation(a.manager, a.engine)}
}

func initAutomation(events *bus.Bus, tracker *nowplaying.Tracker, fanout *line.Server, cfg *Config, logger *slog.Logger) *autoStopper {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}
	}

	engine := automation.NewEngine(events, scriptMgr, fanout, tracker.Snapshot, logger)
	engine.Start()
	return &autoStopper{manager: scriptMgr, engine: engine}
}
