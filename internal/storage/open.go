package storage

import (
	"context"
	"errors"
	"strings"

	logx "checkinbot/pkg/logx"
)

// Journal is the attempt-history API used by the engine and the CLI.
// Recent returns newest-first; an empty target matches every target.
type Journal interface {
	Append(ctx context.Context, a Attempt) error
	Recent(ctx context.Context, target string, limit int) ([]Attempt, error)
	Close() error
}

// Open initializes the configured journal.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Journal, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
