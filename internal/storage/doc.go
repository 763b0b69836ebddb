// Package storage persists the forwarding queue and the per-group directory.
//
// It holds:
//   - queued items (append, FIFO batch read, delete by id, pending count)
//   - destinations and schedule entries per group
//   - active forwarding state and last trigger fire times (boot restore)
//
// Two drivers are available: "sqlite" (default, modernc.org/sqlite) and
// "postgres" (pgx pool).
package storage
