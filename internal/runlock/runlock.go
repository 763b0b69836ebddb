// Package runlock serializes dispatch runs per group.
//
// The local driver is an in-process keyed mutex. The redis driver extends the
// guarantee across instances with a SET NX lease refreshed while held.
package runlock

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "fwdbot/pkg/logx"
)

// Locker acquires a named exclusive lock. Lock blocks until the lock is held
// or ctx ends; the returned unlock is idempotent.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
	Close() error
}

type Config struct {
	Driver    string // local | redis
	RedisAddr string
	RedisDB   int
	Password  string
	TTL       time.Duration
	Prefix    string
}

var ErrUnknownDriver = errors.New("unknown lock driver")

func Open(cfg Config, log logx.Logger) (Locker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		return NewRedis(cfg, log.With(logx.String("comp", "runlock")))
	default:
		return nil, ErrUnknownDriver
	}
}
