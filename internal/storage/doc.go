// Package storage persists monitor snapshots and notable task events so they
// survive restarts.
//
// Two drivers are available:
//   - file: append-only JSON Lines, compacted to the retention window
//   - sqlite: a single database file via modernc.org/sqlite
package storage
