package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrLocked   = errors.New("storage is locked by another process")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file guarded by a lock file
//   - "sqlite": SQLite database file (build tag "sqlite")
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome of one POST attempt.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// DeliveryRecord is one webhook POST attempt.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Reporter   string    `json:"reporter"`
	Event      string    `json:"event"`
	BuildID    int64     `json:"build_id"`
	Builder    string    `json:"builder,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Revision   string    `json:"revision,omitempty"`
	URL        string    `json:"url"`
	Outcome    Outcome   `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}
