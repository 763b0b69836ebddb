package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"fwdbot/internal/task/engine"
	logx "fwdbot/pkg/logx"
)

var (
	ErrNameRequired = errors.New("schedule name required")
	ErrNotFound     = errors.New("schedule not found")
)

// AddDaily registers (or replaces) a trigger firing every day at HH:MM in
// the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, overlap engine.OverlapPolicy, job Job) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return err
	}
	_, err = s.add(&scheduleDef{
		name:     name,
		spec:     spec,
		sched:    sched,
		overlap:  overlap,
		job:      job,
		truncate: time.Minute,
	}, false)
	return err
}

// AddEvery registers (or replaces) a fixed-interval trigger. The first fire
// happens after first (every when first <= 0).
func (s *Service) AddEvery(name string, every, first time.Duration, overlap engine.OverlapPolicy, job Job) error {
	_, err := s.addEvery(name, every, first, overlap, job, false)
	return err
}

// AddEveryIfAbsent is AddEvery that leaves an existing trigger with the same
// name untouched. It reports whether a trigger was installed.
func (s *Service) AddEveryIfAbsent(name string, every, first time.Duration, overlap engine.OverlapPolicy, job Job) (bool, error) {
	return s.addEvery(name, every, first, overlap, job, true)
}

func (s *Service) addEvery(name string, every, first time.Duration, overlap engine.OverlapPolicy, job Job, ifAbsent bool) (bool, error) {
	if every <= 0 {
		return false, fmt.Errorf("interval must be > 0")
	}
	return s.add(&scheduleDef{
		name:    name,
		spec:    "@every " + every.String(),
		sched:   intervalSchedule(every, first, s.now()),
		overlap: overlap,
		job:     job,
	}, ifAbsent)
}

func (s *Service) add(d *scheduleDef, ifAbsent bool) (bool, error) {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return false, ErrNameRequired
	}
	if d.job == nil {
		return false, fmt.Errorf("schedule %q: job is nil", d.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[d.name]; exists {
		if ifAbsent {
			return false, nil
		}
		s.removeLocked(d.name)
	}
	s.defs[d.name] = d
	if s.c != nil {
		s.addCronLocked(d)
		s.log.Debug("schedule registered",
			logx.String("name", d.name),
			logx.String("spec", d.spec),
			logx.Time("next", s.c.Entry(d.entryID).Next))
	}
	return true, nil
}

// Remove unschedules name. Future fires stop; a fire already handed to the
// engine still runs.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RemovePrefix unschedules every trigger whose name starts with prefix and
// returns how many were removed.
func (s *Service) RemovePrefix(prefix string) int {
	if prefix == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name := range s.defs {
		if strings.HasPrefix(name, prefix) && s.removeLocked(name) {
			n++
		}
	}
	if n > 0 {
		s.log.Debug("schedules removed", logx.String("prefix", prefix), logx.Int("count", n))
	}
	return n
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[name]
	return ok
}

// Names lists registered trigger names with the given prefix, sorted.
func (s *Service) Names(prefix string) []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Entries returns every registered trigger with its next and previous fire.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := EntryInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fire enqueues one run of a registered trigger as if it had fired at
// scheduled. Used for misfire catch-up.
func (s *Service) Fire(name string, scheduled time.Time) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.enqueue(d, scheduled)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) {
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() {
		at := s.now()
		if d.truncate > 0 {
			at = at.Truncate(d.truncate)
		}
		if err := s.enqueue(d, at); err != nil {
			s.reportEnqueueError(d.name, err)
		}
	}))
}

func (s *Service) enqueue(d *scheduleDef, scheduled time.Time) error {
	if s.eng == nil {
		return errors.New("no task engine")
	}
	job := d.job
	return s.eng.Enqueue(engine.Task{
		Name:      d.name,
		Key:       d.name,
		Overlap:   d.overlap,
		Scheduled: scheduled,
		Run: func(ctx context.Context) error {
			return job(ctx, scheduled)
		},
	})
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
