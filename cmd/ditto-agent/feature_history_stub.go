//go:build no_history

package main

import (
	"log/slog"

	"ditto-agent/internal/agent"
)

type historyStopper struct{}

func (h *historyStopper) Stop() {}

func initHistory(cfg *Config, _ string, _ *agent.EventBus, logger *slog.Logger) *historyStopper {
	if cfg.InfluxDB.Enabled {
		logger.Warn("influxdb configured but history is not compiled in")
	}
	return &historyStopper{}
}
