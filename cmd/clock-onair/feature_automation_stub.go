//go:build no_automation

package main

import (
	"log/slog"

	"clock-onair/internal/bus"
	"clock-onair/internal/line"
	"clock-onair/internal/nowplaying"
	"clock-onair/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func (a *autoStopper) webOptions() []web.ServerOption { return nil }

func initAutomation(_ *bus.Bus, _ *nowplaying.Tracker, _ *line.Server, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
