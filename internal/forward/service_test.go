package forward

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwdbot/internal/storage"
	"fwdbot/internal/task/engine"
	"fwdbot/internal/transport"
)

func TestParseClock(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Clock
		ok   bool
	}{
		{"09:00", Clock{9, 0}, true},
		{"9:05", Clock{9, 5}, true},
		{" 23:59 ", Clock{23, 59}, true},
		{"25:99", Clock{}, false},
		{"24:00", Clock{}, false},
		{"12:5", Clock{}, false},
		{"1200", Clock{}, false},
		{"ab:cd", Clock{}, false},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
	assert.Equal(t, "07:05", Clock{7, 5}.String())
}

func TestTriggerNamesAndValidation(t *testing.T) {
	t.Parallel()
	d := Trigger{Kind: TriggerDispatch, GroupID: "g1", Time: Clock{14, 30}}
	assert.Equal(t, "dispatch/g1/14:30", d.Name())
	assert.NoError(t, d.Validate())

	w := Trigger{Kind: TriggerWatchdog, GroupID: "g1", NotifyChat: 5}
	assert.Equal(t, "watchdog/g1", w.Name())
	assert.NoError(t, w.Validate())

	assert.Error(t, Trigger{Kind: TriggerWatchdog, GroupID: "g1"}.Validate())
	assert.Error(t, Trigger{Kind: TriggerDispatch, GroupID: "a/b"}.Validate())
	assert.Error(t, Trigger{Kind: TriggerDispatch, GroupID: "g1", Time: Clock{24, 0}}.Validate())
	assert.Error(t, Trigger{Kind: "other", GroupID: "g1"}.Validate())
}

func TestValidDestination(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"@channel", "@my_news_2", "-100123", "-1"} {
		assert.True(t, ValidDestination(ok), ok)
	}
	for _, bad := range []string{"channel", "@", "100123", "-12a", "@bad name", "https://t.me/x", ""} {
		assert.False(t, ValidDestination(bad), bad)
	}
}

func TestNormalizeTimes(t *testing.T) {
	t.Parallel()
	lines := []string{"9:00", "09:00", "bad", "23:59"}
	for i := 0; i < 12; i++ {
		lines = append(lines, fmt.Sprintf("10:%02d", i))
	}
	valid, rejected := NormalizeTimes(lines, 11)
	assert.Equal(t, []string{"bad"}, rejected)
	require.Len(t, valid, 11)
	assert.Equal(t, Clock{9, 0}, valid[0])
	assert.Equal(t, Clock{23, 59}, valid[1])
	assert.Equal(t, Clock{10, 8}, valid[10])
}

func TestAddDestinationsValidatesDedupesAndCaps(t *testing.T) {
	h := newHarness(t, Config{MaxDestinations: 3})
	ctx := context.Background()

	added, rejected, err := h.svc.AddDestinations(ctx, "g1", []string{"@a", "@a", "nope", "-100"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"nope"}, rejected)

	added, rejected, err = h.svc.AddDestinations(ctx, "g1", []string{"@b", "@c"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"@c"}, rejected)

	dests, err := h.svc.Destinations(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"@a", "-100", "@b"}, dests)

	ok, err := h.svc.RemoveDestination(ctx, "g1", "-100")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = h.svc.AddDestinations(ctx, "nope", []string{"@a"})
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func TestEnqueueValidatesItems(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.Enqueue(ctx, storage.Item{GroupID: "g1", Kind: transport.MediaPhoto})
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = h.svc.Enqueue(ctx, storage.Item{GroupID: "g1", Content: "  "})
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = h.svc.Enqueue(ctx, storage.Item{GroupID: "zz", Content: "x"})
	assert.ErrorIs(t, err, ErrUnknownGroup)

	n, err := h.svc.Enqueue(ctx, storage.Item{GroupID: "g1", Kind: transport.MediaDocument, MediaRef: "doc"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWatchdogArmsOnceAndEnqueueDisarms(t *testing.T) {
	h := newHarness(t, Config{})

	assert.True(t, h.svc.armWatchdog("g1", testChat))
	assert.False(t, h.svc.armWatchdog("g1", testChat))
	assert.Equal(t, []string{"watchdog/g1"}, h.sched.Names("watchdog/"))

	h.enqueueText(t, "g1", "fresh")
	assert.False(t, h.svc.WatchdogArmed("g1"))
}

func TestWatchdogWithoutNotifyChatIsNotArmed(t *testing.T) {
	h := newHarness(t, Config{})
	assert.False(t, h.svc.armWatchdog("g1", 0))
	assert.False(t, h.svc.WatchdogArmed("g1"))
}

func TestWatchdogFireRemindsOrSelfCancels(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	trig := Trigger{Kind: TriggerWatchdog, GroupID: "g1", NotifyChat: testChat}
	require.True(t, h.svc.armWatchdog("g1", testChat))

	require.NoError(t, h.svc.watchdogFire(ctx, trig))
	assert.True(t, h.notes.contains("still empty"))
	assert.True(t, h.svc.WatchdogArmed("g1"))

	_, err := h.store.Enqueue(ctx, storage.Item{GroupID: "g1", Content: "direct"})
	require.NoError(t, err)
	require.NoError(t, h.svc.watchdogFire(ctx, trig))
	assert.False(t, h.svc.WatchdogArmed("g1"))
}

func TestWatchdogTriggerRunsThroughScheduler(t *testing.T) {
	h := newHarness(t, Config{})
	require.True(t, h.svc.armWatchdog("g1", testChat))

	require.NoError(t, h.sched.Fire("watchdog/g1", time.Now()))
	tasks := h.eng.taken()
	require.Len(t, tasks, 1)
	assert.Equal(t, engine.OverlapSkipIfRunning, tasks[0].Overlap)
	require.NoError(t, tasks[0].Run(context.Background()))
	assert.True(t, h.notes.contains("still empty"))
}

func TestSetTimesReplacesSchedule(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	set, rejected, err := h.svc.SetTimes(ctx, "g1", []string{"14:30", "9:00", "14:30", "7"})
	require.NoError(t, err)
	assert.Equal(t, []Clock{{14, 30}, {9, 0}}, set)
	assert.Equal(t, []string{"7"}, rejected)

	times, err := h.store.ListSchedule(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"14:30", "09:00"}, times)
}

func TestStartForwardingSkipsInvalidEntries(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.sched.AddDaily("dispatch/g1/08:00", "08:00", engine.OverlapAllow, func(context.Context, time.Time) error { return nil }))
	require.NoError(t, h.store.ReplaceSchedule(ctx, "g1", []string{"09:00", "25:99", "14:30"}))

	installed, err := h.svc.StartForwarding(ctx, "g1", testChat)
	require.NoError(t, err)
	assert.Equal(t, []Clock{{9, 0}, {14, 30}}, installed)
	assert.Equal(t, []string{"dispatch/g1/09:00", "dispatch/g1/14:30"}, h.sched.Names(DispatchPrefix("g1")))

	states, err := h.store.ListForwarding(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, testChat, states[0].NotifyChat)
}

func TestStartForwardingWithoutTimesInstallsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.sched.AddDaily("dispatch/g1/08:00", "08:00", engine.OverlapAllow, func(context.Context, time.Time) error { return nil }))

	_, err := h.svc.StartForwarding(ctx, "g1", testChat)
	assert.ErrorIs(t, err, ErrNoTimes)
	assert.Equal(t, ClassConfig, ClassOf(err))
	assert.Empty(t, h.sched.Names(DispatchPrefix("g1")))

	states, err := h.store.ListForwarding(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestFailedRestartClearsForwardingState(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.store.ReplaceSchedule(ctx, "g1", []string{"09:00"}))
	_, err := h.svc.StartForwarding(ctx, "g1", testChat)
	require.NoError(t, err)

	// Only unparsable times left in the store.
	require.NoError(t, h.store.ReplaceSchedule(ctx, "g1", []string{"25:99", "noon"}))
	_, err = h.svc.StartForwarding(ctx, "g1", testChat)
	assert.ErrorIs(t, err, ErrNoSchedule)
	assert.Empty(t, h.sched.Names(DispatchPrefix("g1")))

	states, err := h.store.ListForwarding(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	require.NoError(t, h.svc.Restore(ctx))
	assert.False(t, h.notes.contains("not restored"))
}

func TestDispatchTriggerRecordsFire(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.addDests(t, "g1", "@alpha")
	h.enqueueText(t, "g1", "x")
	require.NoError(t, h.store.ReplaceSchedule(ctx, "g1", []string{"09:00"}))
	_, err := h.svc.StartForwarding(ctx, "g1", testChat)
	require.NoError(t, err)

	at := time.Date(2026, 10, 15, 9, 0, 0, 0, h.sched.Location())
	require.NoError(t, h.sched.Fire("dispatch/g1/09:00", at))
	tasks := h.eng.taken()
	require.Len(t, tasks, 1)
	require.NoError(t, tasks[0].Run(ctx))

	last, ok, err := h.store.LastFired(ctx, "dispatch/g1/09:00")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last.Equal(at))
	assert.Len(t, h.out.sent(), 1)
}

func TestRestoreCatchesUpRecentMisfireOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	loc := h.sched.Location()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, loc)
	h.svc.now = func() time.Time { return now }

	require.NoError(t, h.store.ReplaceSchedule(ctx, "g1", []string{"11:58", "11:50", "13:00"}))
	require.NoError(t, h.store.SetForwarding(ctx, storage.ForwardingState{GroupID: "g1", NotifyChat: testChat, StartedAt: now.Add(-time.Hour)}))

	require.NoError(t, h.svc.Restore(ctx))
	assert.Len(t, h.sched.Names(DispatchPrefix("g1")), 3)

	tasks := h.eng.taken()
	require.Len(t, tasks, 1)
	assert.Equal(t, "dispatch/g1/11:58", tasks[0].Name)
	assert.True(t, tasks[0].Scheduled.Equal(time.Date(2026, 10, 15, 11, 58, 0, 0, loc)))

	// Running the catch-up records the fire, so a second restore skips it.
	require.NoError(t, tasks[0].Run(ctx))
	require.NoError(t, h.svc.Restore(ctx))
	assert.Empty(t, h.eng.taken())
}

func TestRestoreIgnoresOccurrencesBeforeStart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	loc := h.sched.Location()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, loc)
	h.svc.now = func() time.Time { return now }

	require.NoError(t, h.store.ReplaceSchedule(ctx, "g1", []string{"11:58"}))
	require.NoError(t, h.store.SetForwarding(ctx, storage.ForwardingState{GroupID: "g1", NotifyChat: testChat, StartedAt: now.Add(-time.Minute)}))

	require.NoError(t, h.svc.Restore(ctx))
	assert.Empty(t, h.eng.taken())
}

func TestStatusText(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	txt, err := h.svc.Status(ctx, "g1")
	require.NoError(t, err)
	assert.Contains(t, txt, "Group 1 status:")
	assert.Contains(t, txt, "Channels: 0")
	assert.Contains(t, txt, "(no times set)")
	assert.Contains(t, txt, "Forwarding: stopped")

	h.addDests(t, "g1", "@a")
	h.enqueueText(t, "g1", "x")
	_, _, err = h.svc.SetTimes(ctx, "g1", []string{"18:00", "06:30"})
	require.NoError(t, err)
	_, err = h.svc.StartForwarding(ctx, "g1", testChat)
	require.NoError(t, err)

	txt, err = h.svc.Status(ctx, "g1")
	require.NoError(t, err)
	assert.Contains(t, txt, "Channels: 1")
	assert.Contains(t, txt, "Pending messages: 1")
	assert.Contains(t, txt, "1. 06:30\n2. 18:00")
	assert.Contains(t, txt, "Forwarding: active (2 triggers)")
}

func TestNewRejectsBadGroups(t *testing.T) {
	deps := Deps{Store: nil}
	_, err := New(Config{}, deps)
	assert.Error(t, err)

	h := newHarness(t, Config{})
	_, err = New(Config{Groups: []Group{{ID: "a"}, {ID: "a"}}}, Deps{Store: h.store, Triggers: h.sched, Out: h.out})
	assert.Error(t, err)
	_, err = New(Config{Groups: []Group{{ID: "a/b"}}}, Deps{Store: h.store, Triggers: h.sched, Out: h.out})
	assert.Error(t, err)
}
