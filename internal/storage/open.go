package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
)

// Queue is the durable per-group item queue.
type Queue interface {
	Enqueue(ctx context.Context, it Item) (int64, error)
	// ReadBatch returns up to limit pending items of group in ascending id order.
	ReadBatch(ctx context.Context, group string, limit int) ([]Item, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
	CountPending(ctx context.Context, group string) (int, error)
}

// Directory holds destinations and schedule entries per group.
type Directory interface {
	ListDestinations(ctx context.Context, group string) ([]string, error)
	// AddDestination reports false when the destination already exists.
	AddDestination(ctx context.Context, group, dest string) (bool, error)
	RemoveDestination(ctx context.Context, group, dest string) (bool, error)
	ListSchedule(ctx context.Context, group string) ([]string, error)
	// ReplaceSchedule swaps the group's schedule in a single transaction.
	ReplaceSchedule(ctx context.Context, group string, times []string) error
}

// StateStore keeps what the scheduler needs to restore itself at boot.
type StateStore interface {
	SetForwarding(ctx context.Context, st ForwardingState) error
	ListForwarding(ctx context.Context) ([]ForwardingState, error)
	ClearForwarding(ctx context.Context, group string) error
	MarkFired(ctx context.Context, trigger string, at time.Time) error
	LastFired(ctx context.Context, trigger string) (time.Time, bool, error)
}

// Store is the full persistence API.
type Store interface {
	Queue
	Directory
	StateStore
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and applies its migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func normKind(it *Item) {
	if it.Kind == "" {
		it.Kind = transport.MediaText
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
}
