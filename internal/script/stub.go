//go:build no_scripts

package script

import (
	"log/slog"
	"time"

	"ditto-agent/internal/thing"
)

// Engine is a no-op stub when scripting is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when scripting is disabled.
func NewEngine(_ *slog.Logger, _ time.Duration) *Engine { return &Engine{} }

// LoadDir declares no features.
func (e *Engine) LoadDir(_ string) ([]*thing.Feature, error) { return nil, nil }

// Close is a no-op.
func (e *Engine) Close() {}
