// Package storage persists summary run statistics and the operator audit log.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
package storage
