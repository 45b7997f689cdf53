// Package storage records the attempt journal: one row per send attempt
// outcome, kept outside the state file so history survives day rollovers.
//
// It currently supports:
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database file (optional build tag)
package storage
