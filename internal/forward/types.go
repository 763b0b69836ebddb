package forward

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fwdbot/internal/storage"
	"fwdbot/internal/task/engine"
	"fwdbot/internal/task/scheduler"
	"fwdbot/internal/transport"
)

// Group is a fixed forwarding unit configured at deployment.
type Group struct {
	ID    string
	Title string
}

func (g Group) Label() string {
	if g.Title != "" {
		return g.Title
	}
	return g.ID
}

// Clock is a time of day in the scheduler timezone.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock accepts H:MM or HH:MM.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(mm) != 2 || hh == "" || len(hh) > 2 {
		return Clock{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

type TriggerKind string

const (
	TriggerDispatch TriggerKind = "dispatch"
	TriggerWatchdog TriggerKind = "watchdog"
)

// Trigger is the typed payload of an installed schedule.
type Trigger struct {
	Kind       TriggerKind
	GroupID    string
	Time       Clock // dispatch only
	NotifyChat int64
}

func (t Trigger) Validate() error {
	if strings.TrimSpace(t.GroupID) == "" {
		return fmt.Errorf("trigger: group required")
	}
	if strings.Contains(t.GroupID, "/") {
		return fmt.Errorf("trigger: invalid group id %q", t.GroupID)
	}
	switch t.Kind {
	case TriggerDispatch:
		if t.Time.Hour < 0 || t.Time.Hour > 23 || t.Time.Minute < 0 || t.Time.Minute > 59 {
			return fmt.Errorf("trigger: invalid time %02d:%02d", t.Time.Hour, t.Time.Minute)
		}
	case TriggerWatchdog:
		if t.NotifyChat == 0 {
			return fmt.Errorf("trigger: watchdog needs a notify chat")
		}
	default:
		return fmt.Errorf("trigger: unknown kind %q", t.Kind)
	}
	return nil
}

// Name is unique per (kind, group, time).
func (t Trigger) Name() string {
	if t.Kind == TriggerWatchdog {
		return WatchdogName(t.GroupID)
	}
	return DispatchPrefix(t.GroupID) + t.Time.String()
}

// DispatchPrefix selects every dispatch trigger of group.
func DispatchPrefix(group string) string { return string(TriggerDispatch) + "/" + group + "/" }

func WatchdogName(group string) string { return string(TriggerWatchdog) + "/" + group }

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	// OutcomeCanceled: the run was stopped before the send completed. The
	// item is left pending.
	OutcomeCanceled  Outcome = "canceled"
)

// Delivery is the result of sending one item to one destination.
type Delivery struct {
	GroupID     string        `json:"group_id"`
	Destination string        `json:"destination"`
	ItemID      int64         `json:"item_id"`
	Outcome     Outcome       `json:"outcome"`
	Attempts    int           `json:"attempts"`
	Waited      time.Duration `json:"waited"`
	Error       string        `json:"error,omitempty"`
}

// Report summarizes one dispatch run. It is the payload of forward.run events.
type Report struct {
	RunID        string        `json:"run_id"`
	GroupID      string        `json:"group_id"`
	Trigger      string        `json:"trigger"`
	Scheduled    time.Time     `json:"scheduled"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	Destinations int           `json:"destinations"`
	Items        int           `json:"items"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	Deleted      int64         `json:"deleted"`
	Remaining    int           `json:"remaining"`
	// Interrupted is set when the run stopped before its batch was done.
	Interrupted  bool          `json:"interrupted,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Deliverer sends one payload to one destination channel.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, p transport.Payload) error
}

// Notifier sends best-effort status texts to an operator chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string)
}

// Store is the persistence the engine needs.
type Store interface {
	storage.Queue
	storage.Directory
	storage.StateStore
}

// Triggers is the trigger registry; *scheduler.Service implements it.
type Triggers interface {
	AddDaily(name, atHHMM string, overlap engine.OverlapPolicy, job scheduler.Job) error
	AddEveryIfAbsent(name string, every, first time.Duration, overlap engine.OverlapPolicy, job scheduler.Job) (bool, error)
	Remove(name string) bool
	RemovePrefix(prefix string) int
	Has(name string) bool
	Names(prefix string) []string
	Fire(name string, scheduled time.Time) error
	Location() *time.Location
}
