package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fwdbot/internal/task/engine"
	logx "fwdbot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Kolkata"
}

// Job runs one trigger fire. scheduled is the instant the fire was due.
type Job func(ctx context.Context, scheduled time.Time) error

// Enqueuer accepts fired triggers; *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    string // display form
	sched   cron.Schedule
	overlap engine.OverlapPolicy
	job     Job
	// truncate aligns the fire instant to the slot it belongs to (a minute for
	// daily triggers). Zero keeps the raw fire time.
	truncate time.Duration
	entryID  cron.EntryID
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	loc *time.Location
	eng Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	now func() time.Time
}

// EntryInfo describes one registered trigger.
type EntryInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}
