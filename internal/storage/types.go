package storage

import (
	"errors"
	"time"

	"fwdbot/internal/transport"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or empty): SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Item is one queued content unit. Items are never updated in place.
type Item struct {
	ID        int64
	GroupID   string
	Content   string
	Kind      transport.MediaKind
	MediaRef  string
	Status    string
	CreatedAt time.Time
}

// ForwardingState records that a group's dispatch triggers are installed and
// which chat receives their reports.
type ForwardingState struct {
	GroupID    string
	NotifyChat int64
	StartedAt  time.Time
}
