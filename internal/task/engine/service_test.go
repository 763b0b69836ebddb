package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwdbot/internal/eventbus"
	logx "fwdbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestEnqueueRequiresStart(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEnqueueValidates(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1})
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x"}), ErrInvalidTask)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}), ErrInvalidTask)
}

func TestRunsTaskAndRecordsHistory(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 2})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	ran := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(context.Context) error {
		close(ran)
		return nil
	}}))
	<-ran
	waitEvent(t, events, eventbus.TypeTaskFinished)

	require.NoError(t, s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { return errors.New("nope") }}))
	e := waitEvent(t, events, eventbus.TypeTaskFailed)
	assert.Equal(t, "nope", e.Data.(TaskEvent).Error)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "ok", snap.History[0].Name)
	assert.Equal(t, "nope", snap.History[1].Error)
}

func TestPanicIsRecovered(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bad") }}))
	e := waitEvent(t, events, eventbus.TypeTaskFailed)
	assert.Contains(t, e.Data.(TaskEvent).Error, "panic: bad")

	// The worker survives.
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "watchdog/us", Overlap: OverlapSkipIfRunning, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	err := s.Enqueue(Task{Name: "watchdog/us", Overlap: OverlapSkipIfRunning, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)

	// Different key is unaffected.
	assert.NoError(t, s.Enqueue(Task{Name: "watchdog/ios", Overlap: OverlapSkipIfRunning, Run: func(context.Context) error { return nil }}))
	close(release)

	require.Eventually(t, func() bool {
		return s.Enqueue(Task{Name: "watchdog/us", Overlap: OverlapSkipIfRunning, Run: func(context.Context) error { return nil }}) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStaleTaskIsDropped(t *testing.T) {
	s, bus := startEngine(t, Config{Workers: 1, MisfireGrace: 300 * time.Second})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	ran := false
	require.NoError(t, s.Enqueue(Task{
		Name:      "dispatch/us/09:00",
		Scheduled: time.Now().Add(-301 * time.Second),
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	}))
	e := waitEvent(t, events, eventbus.TypeTaskDropped)
	assert.Equal(t, "misfire", e.Data.(TaskEvent).Error)
	assert.False(t, ran)
	assert.EqualValues(t, 1, s.Snapshot().DroppedStale)

	// Inside the grace window it runs.
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{
		Name:      "dispatch/us/09:00",
		Scheduled: time.Now().Add(-299 * time.Second),
		Run: func(context.Context) error {
			close(done)
			return nil
		},
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task within grace did not run")
	}
}

func TestQueueWaitIsNotAMisfire(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 2, MisfireGrace: 200 * time.Millisecond})

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for _, name := range []string{"dispatch/g1/09:00", "dispatch/g2/09:00"} {
		require.NoError(t, s.Enqueue(Task{Name: name, Scheduled: time.Now(), Run: func(context.Context) error {
			started.Done()
			<-release
			return nil
		}}))
	}
	started.Wait()

	ran := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "dispatch/g3/09:00", Scheduled: time.Now(), Run: func(context.Context) error {
		close(ran)
		return nil
	}}))

	// Both workers stay busy well past the grace window.
	time.Sleep(400 * time.Millisecond)
	close(release)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queued fire was dropped")
	}
	assert.Zero(t, s.Snapshot().DroppedStale)
}

func TestQueueFullDrops(t *testing.T) {
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }}))
	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.EqualValues(t, 1, s.Snapshot().DroppedQueueFull)
	close(release)
}
