// Package storage persists error record snapshots and the delivery audit log.
//
// Drivers:
//   - "file": <prefix>.records.json snapshot plus <prefix>.deliveries.jsonl
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
package storage
