// Package storage persists monitor progress and notifier dedup windows.
//
// Drivers:
//   - "file": one JSON state document (atomic replace) plus a dedup journal
//   - "sqlite": a local SQLite database (modernc.org/sqlite, no cgo)
//   - "postgres": a shared PostgreSQL database (lib/pq)
package storage
