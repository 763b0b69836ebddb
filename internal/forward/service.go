package forward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"fwdbot/internal/eventbus"
	"fwdbot/internal/runlock"
	"fwdbot/internal/storage"
	"fwdbot/internal/task/engine"
	logx "fwdbot/pkg/logx"
)

// Config tunes dispatch runs and operator-side limits.
type Config struct {
	BatchSize int
	// PaceEvery items the run pauses for PacePause.
	PaceEvery int
	PacePause time.Duration

	Sender SenderConfig

	WatchdogInterval time.Duration
	MisfireGrace     time.Duration

	MaxDestinations int
	MaxTimes        int

	Groups []Group
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
	if c.PaceEvery <= 0 {
		c.PaceEvery = 5
	}
	if c.PacePause <= 0 {
		c.PacePause = time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 5 * time.Minute
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 300 * time.Second
	}
	if c.MaxDestinations <= 0 {
		c.MaxDestinations = 20
	}
	if c.MaxTimes <= 0 {
		c.MaxTimes = 11
	}
}

// DefaultGroups are the five groups a deployment starts with.
func DefaultGroups() []Group {
	out := make([]Group, 0, 5)
	for i := 1; i <= 5; i++ {
		out = append(out, Group{ID: fmt.Sprintf("group%d", i), Title: fmt.Sprintf("Group %d", i)})
	}
	return out
}

// Deps are the collaborators of the engine. Tracer and Bus are optional.
type Deps struct {
	Store    Store
	Triggers Triggers
	Out      Deliverer
	Notifier Notifier
	Locks    runlock.Locker
	Bus      eventbus.Bus
	Tracer   trace.Tracer
	Log      logx.Logger
}

type Service struct {
	cfg    Config
	log    logx.Logger
	store  Store
	trig   Triggers
	notify Notifier
	locks  runlock.Locker
	bus    eventbus.Bus
	tracer trace.Tracer
	sender *Sender

	groups []Group
	byID   map[string]Group

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, deps Deps) (*Service, error) {
	cfg.setDefaults()
	if deps.Store == nil || deps.Triggers == nil || deps.Out == nil {
		return nil, errors.New("forward: store, triggers and deliverer are required")
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = DefaultGroups()
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "forward"))
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("fwdbot/forward")
	}
	locks := deps.Locks
	if locks == nil {
		locks = runlock.NewLocal()
	}
	notify := deps.Notifier
	if notify == nil {
		notify = nopNotifier{}
	}

	s := &Service{
		cfg:    cfg,
		log:    log,
		store:  deps.Store,
		trig:   deps.Triggers,
		notify: notify,
		locks:  locks,
		bus:    deps.Bus,
		tracer: tracer,
		byID:   map[string]Group{},
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, g := range cfg.Groups {
		g.ID = strings.TrimSpace(g.ID)
		if err := (Trigger{Kind: TriggerDispatch, GroupID: g.ID}).Validate(); err != nil {
			return nil, fmt.Errorf("forward: group %q: %w", g.ID, err)
		}
		if _, dup := s.byID[g.ID]; dup {
			return nil, fmt.Errorf("forward: duplicate group %q", g.ID)
		}
		s.byID[g.ID] = g
		s.groups = append(s.groups, g)
	}
	s.sender = NewSender(cfg.Sender, deps.Out, log, tracer)
	return s, nil
}

func (s *Service) Groups() []Group { return append([]Group(nil), s.groups...) }

func (s *Service) Group(id string) (Group, bool) {
	g, ok := s.byID[id]
	return g, ok
}

func (s *Service) Config() Config { return s.cfg }

func (s *Service) group(id string) (Group, error) {
	g, ok := s.byID[id]
	if !ok {
		return Group{}, fmt.Errorf("%w: %q", ErrUnknownGroup, id)
	}
	return g, nil
}

// Enqueue appends an item to the group's queue, disarms the idle watchdog
// and returns the new pending count.
func (s *Service) Enqueue(ctx context.Context, it storage.Item) (int, error) {
	if _, err := s.group(it.GroupID); err != nil {
		return 0, err
	}
	if err := validateItem(it); err != nil {
		return 0, err
	}
	it.Status = storage.StatusPending
	id, err := s.store.Enqueue(ctx, it)
	if err != nil {
		return 0, storageErr(StageEnqueue, err)
	}
	s.disarmWatchdog(it.GroupID)

	n, err := s.store.CountPending(ctx, it.GroupID)
	if err != nil {
		return 0, storageErr(StageEnqueue, err)
	}
	s.log.Info("item queued", logx.String("group", it.GroupID), logx.Int64("id", id), logx.String("kind", string(it.Kind)), logx.Int("pending", n))
	return n, nil
}

func (s *Service) Destinations(ctx context.Context, group string) ([]string, error) {
	if _, err := s.group(group); err != nil {
		return nil, err
	}
	return s.store.ListDestinations(ctx, group)
}

// AddDestinations adds every valid, new destination from lines until the
// group holds MaxDestinations. Invalid entries are returned as rejected.
func (s *Service) AddDestinations(ctx context.Context, group string, lines []string) (added int, rejected []string, err error) {
	if _, err := s.group(group); err != nil {
		return 0, nil, err
	}
	current, err := s.store.ListDestinations(ctx, group)
	if err != nil {
		return 0, nil, err
	}
	have := len(current)
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if !ValidDestination(ln) {
			rejected = append(rejected, ln)
			continue
		}
		if have >= s.cfg.MaxDestinations {
			rejected = append(rejected, ln)
			continue
		}
		ok, err := s.store.AddDestination(ctx, group, ln)
		if err != nil {
			return added, rejected, err
		}
		if ok {
			added++
			have++
		}
	}
	s.log.Info("destinations added", logx.String("group", group), logx.Int("added", added), logx.Int("rejected", len(rejected)))
	return added, rejected, nil
}

func (s *Service) RemoveDestination(ctx context.Context, group, dest string) (bool, error) {
	if _, err := s.group(group); err != nil {
		return false, err
	}
	ok, err := s.store.RemoveDestination(ctx, group, dest)
	if err == nil && ok {
		s.log.Info("destination removed", logx.String("group", group), logx.String("dest", dest))
	}
	return ok, err
}

// SetTimes replaces the group's schedule with the valid entries of lines.
// Installed triggers are not touched until forwarding is started again.
func (s *Service) SetTimes(ctx context.Context, group string, lines []string) ([]Clock, []string, error) {
	if _, err := s.group(group); err != nil {
		return nil, nil, err
	}
	valid, rejected := NormalizeTimes(lines, s.cfg.MaxTimes)
	times := make([]string, 0, len(valid))
	for _, c := range valid {
		times = append(times, c.String())
	}
	if err := s.store.ReplaceSchedule(ctx, group, times); err != nil {
		return nil, rejected, err
	}
	s.log.Info("schedule replaced", logx.String("group", group), logx.Strings("times", times), logx.Int("rejected", len(rejected)))
	return valid, rejected, nil
}

// StartForwarding (re)installs the group's dispatch triggers from its stored
// schedule and records notifyChat as the report destination.
func (s *Service) StartForwarding(ctx context.Context, group string, notifyChat int64) ([]Clock, error) {
	if _, err := s.group(group); err != nil {
		return nil, err
	}
	installed, err := s.installDispatch(ctx, group, notifyChat)
	if err != nil {
		if ClassOf(err) == ClassConfig {
			// The old triggers are gone; a stale row would be restored at boot.
			if cerr := s.store.ClearForwarding(ctx, group); cerr != nil {
				return nil, storageErr(StageSchedule, cerr)
			}
		}
		return nil, err
	}
	if err := s.store.SetForwarding(ctx, storage.ForwardingState{GroupID: group, NotifyChat: notifyChat, StartedAt: s.now()}); err != nil {
		return installed, storageErr(StageSchedule, err)
	}
	return installed, nil
}

func (s *Service) installDispatch(ctx context.Context, group string, notifyChat int64) ([]Clock, error) {
	raw, err := s.store.ListSchedule(ctx, group)
	if err != nil {
		return nil, storageErr(StageSchedule, err)
	}

	removed := s.trig.RemovePrefix(DispatchPrefix(group))
	var installed []Clock
	for _, entry := range raw {
		c, err := ParseClock(entry)
		if err != nil {
			s.log.Warn("skipping invalid schedule entry", logx.String("group", group), logx.String("entry", entry), logx.Err(err))
			continue
		}
		trig := Trigger{Kind: TriggerDispatch, GroupID: group, Time: c, NotifyChat: notifyChat}
		if err := s.installTrigger(trig); err != nil {
			s.log.Warn("trigger not installed", logx.String("trigger", trig.Name()), logx.Err(err))
			continue
		}
		installed = append(installed, c)
	}

	if len(raw) == 0 {
		return nil, configErr(StageSchedule, ErrNoTimes)
	}
	if len(installed) == 0 {
		return nil, configErr(StageSchedule, ErrNoSchedule)
	}
	s.log.Info("forwarding started",
		logx.String("group", group), logx.Int("triggers", len(installed)), logx.Int("replaced", removed), logx.Int64("notify_chat", notifyChat))
	return installed, nil
}

func (s *Service) installTrigger(trig Trigger) error {
	if err := trig.Validate(); err != nil {
		return err
	}
	name := trig.Name()
	return s.trig.AddDaily(name, trig.Time.String(), engine.OverlapSkipIfRunning, func(ctx context.Context, scheduled time.Time) error {
		if err := s.store.MarkFired(ctx, name, scheduled); err != nil {
			s.log.Warn("fire not recorded", logx.String("trigger", name), logx.Err(err))
		}
		_, err := s.Dispatch(ctx, trig, scheduled)
		if err != nil && !alertable(err) {
			return nil
		}
		return err
	})
}

// Forwarding lists the installed dispatch triggers of group.
func (s *Service) Forwarding(group string) []string {
	return s.trig.Names(DispatchPrefix(group))
}

// Status renders the operator summary of a group.
func (s *Service) Status(ctx context.Context, group string) (string, error) {
	g, err := s.group(group)
	if err != nil {
		return "", err
	}
	dests, err := s.store.ListDestinations(ctx, group)
	if err != nil {
		return "", err
	}
	pending, err := s.store.CountPending(ctx, group)
	if err != nil {
		return "", err
	}
	times, err := s.store.ListSchedule(ctx, group)
	if err != nil {
		return "", err
	}
	sort.Strings(times)

	var b strings.Builder
	fmt.Fprintf(&b, "%s status:\n\n", g.Label())
	fmt.Fprintf(&b, "Channels: %d\n", len(dests))
	fmt.Fprintf(&b, "Pending messages: %d\n", pending)
	b.WriteString("Schedule times:\n")
	if len(times) == 0 {
		b.WriteString("(no times set)\n")
	}
	for i, t := range times {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	if n := len(s.Forwarding(group)); n > 0 {
		fmt.Fprintf(&b, "Forwarding: active (%d triggers)", n)
	} else {
		b.WriteString("Forwarding: stopped")
	}
	if s.trig.Has(WatchdogName(group)) {
		b.WriteString("\nIdle reminder: armed")
	}
	return b.String(), nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, int64, string) {}
