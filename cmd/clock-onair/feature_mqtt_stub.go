//go:build no_mqtt

package main

import (
	"log/slog"

	"clock-onair/internal/bus"
	"clock-onair/internal/devices"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *bus.Bus, _ *devices.Registry, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
