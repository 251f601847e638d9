package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("not found")

// Entry is one handled command request. The journal is diagnostic only: it
// is never read back into twin state.
type Entry struct {
	ID            string        `json:"id"`
	Time          time.Time     `json:"time"`
	RequestID     string        `json:"request_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Feature       string        `json:"feature"`
	Command       string        `json:"command"`
	Status        int           `json:"status"`
	Replied       bool          `json:"replied"`
	Error         string        `json:"error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Store defines the command journal.
type Store interface {
	// Append stores e, assigning an ID when empty, and prunes the oldest
	// entries beyond the configured limit.
	Append(e *Entry) error
	// Get returns the entry with id or ErrNotFound.
	Get(id string) (*Entry, error)
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(limit int) ([]*Entry, error)
	Close() error
}
