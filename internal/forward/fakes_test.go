package forward

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fwdbot/internal/storage"
	"fwdbot/internal/task/engine"
	"fwdbot/internal/task/scheduler"
	"fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
)

type sentPayload struct {
	Dest    string
	Payload transport.Payload
}

// fakeOut records deliveries; fail, when set, decides the result per call.
type fakeOut struct {
	mu    sync.Mutex
	calls []sentPayload
	fail  func(dest string, call int) error
	n     map[string]int
}

func (f *fakeOut) Deliver(_ context.Context, dest string, p transport.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == nil {
		f.n = map[string]int{}
	}
	f.n[dest]++
	if f.fail != nil {
		if err := f.fail(dest, f.n[dest]); err != nil {
			return err
		}
	}
	f.calls = append(f.calls, sentPayload{Dest: dest, Payload: p})
	return nil
}

func (f *fakeOut) sent() []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPayload(nil), f.calls...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ int64, text string) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
}

func (f *fakeNotifier) contains(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	r.tasks = append(r.tasks, t)
	r.mu.Unlock()
	return nil
}

func (r *recordingEnqueuer) taken() []engine.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.tasks
	r.tasks = nil
	return out
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleeps) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.d...)
}

type harness struct {
	svc    *Service
	store  storage.Store
	sched  *scheduler.Service
	eng    *recordingEnqueuer
	out    *fakeOut
	notes  *fakeNotifier
	pauses *sleeps
	waits  *sleeps
}

const testChat int64 = 777

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "fwd.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := &recordingEnqueuer{}
	sched := scheduler.New(scheduler.Config{Timezone: "Asia/Kolkata"}, eng, logx.Nop())
	out := &fakeOut{}
	notes := &fakeNotifier{}
	if len(cfg.Groups) == 0 {
		cfg.Groups = []Group{{ID: "g1", Title: "Group 1"}, {ID: "g2"}}
	}

	svc, err := New(cfg, Deps{Store: st, Triggers: sched, Out: out, Notifier: notes, Log: logx.Nop()})
	require.NoError(t, err)

	h := &harness{svc: svc, store: st, sched: sched, eng: eng, out: out, notes: notes, pauses: &sleeps{}, waits: &sleeps{}}
	svc.sleep = h.pauses.sleep
	svc.sender.sleep = h.waits.sleep
	return h
}

func (h *harness) addDests(t *testing.T, group string, dests ...string) {
	t.Helper()
	added, rejected, err := h.svc.AddDestinations(context.Background(), group, dests)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Equal(t, len(dests), added)
}

func (h *harness) enqueueText(t *testing.T, group string, texts ...string) {
	t.Helper()
	for _, txt := range texts {
		_, err := h.svc.Enqueue(context.Background(), storage.Item{GroupID: group, Content: txt, Kind: transport.MediaText})
		require.NoError(t, err)
	}
}

func (h *harness) pending(t *testing.T, group string) int {
	t.Helper()
	n, err := h.store.CountPending(context.Background(), group)
	require.NoError(t, err)
	return n
}

func dispatchTrigger(group string) Trigger {
	return Trigger{Kind: TriggerDispatch, GroupID: group, Time: Clock{Hour: 9}, NotifyChat: testChat}
}
