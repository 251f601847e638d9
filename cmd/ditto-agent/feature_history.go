//go:build !no_history

package main

import (
	"log/slog"

	"ditto-agent/internal/agent"
	"ditto-agent/internal/history"
)

type historyStopper struct {
	sink  *history.Sink
	unsub func()
}

func (h *historyStopper) Stop() {
	if h.unsub != nil {
		h.unsub()
	}
	if h.sink != nil {
		h.sink.Close()
	}
}

func initHistory(cfg *Config, thingID string, events *agent.EventBus, logger *slog.Logger) *historyStopper {
	if !cfg.InfluxDB.Enabled {
		return &historyStopper{}
	}
	sink, err := history.Connect(history.Config{
		URL:           cfg.InfluxDB.URL,
		Token:         cfg.InfluxDB.Token,
		Org:           cfg.InfluxDB.Org,
		Bucket:        cfg.InfluxDB.Bucket,
		BatchSize:     cfg.InfluxDB.BatchSize,
		FlushInterval: cfg.InfluxDB.FlushInterval,
	}, thingID, logger)
	if err != nil {
		logger.Error("influxdb unavailable, history disabled", "err", err)
		return &historyStopper{}
	}
	logger.Info("history enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	return &historyStopper{sink: sink, unsub: sink.Attach(events)}
}
