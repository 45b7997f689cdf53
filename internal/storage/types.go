package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects the journal backend: "file" appends JSON Lines, "sqlite"
// keeps a database file (behind a build tag), empty or "none" disables the
// journal entirely.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Attempt records one send attempt outcome (or a terminal plan event).
// Keep it compact and schema-stable.
type Attempt struct {
	At        time.Time `json:"at"`
	Target    string    `json:"target"`
	Op        string    `json:"op"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	ReplyText string    `json:"reply_text,omitempty"`
}
