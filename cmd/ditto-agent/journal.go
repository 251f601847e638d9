package main

import (
	"log/slog"

	"ditto-agent/internal/agent"
	"ditto-agent/internal/store"
)

// attachJournal records every handled command request and returns the
// unsubscribe func.
func attachJournal(bus *agent.EventBus, j store.Store, logger *slog.Logger) func() {
	return bus.On(agent.EventCommand, func(e agent.Event) {
		d, ok := e.Data.(agent.CommandData)
		if !ok {
			return
		}
		err := j.Append(&store.Entry{
			Time:          d.Time,
			RequestID:     d.RequestID,
			CorrelationID: d.CorrelationID,
			Feature:       d.Feature,
			Command:       d.Command,
			Status:        d.Status,
			Replied:       d.Replied,
			Error:         d.Error,
			Duration:      d.Duration,
		})
		if err != nil {
			logger.Warn("journal append", "err", err)
		}
	})
}
