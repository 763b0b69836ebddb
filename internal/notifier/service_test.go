package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwdbot/internal/eventbus"
	"fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	sent  []string
	calls int
}

func (s *scriptedSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return transport.MessageRef{}, err
		}
	}
	s.sent = append(s.sent, text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (s *scriptedSender) snapshot() ([]string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...), s.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestService(t *testing.T, cfg Config, sender transport.TextSender, bus eventbus.Bus) (*Service, *sleepRecorder) {
	t.Helper()
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, sender, logx.Nop(), bus)
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, rec
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestNotifyDelivers(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "notify.")
	defer unsub()

	sender := &scriptedSender{}
	s, _ := newTestService(t, Config{Workers: 1}, sender, bus)

	s.Notify(context.Background(), 42, "3 sent")
	ev := waitEvent(t, ch)
	assert.Equal(t, eventbus.TypeNotifySent, ev.Type)
	assert.Equal(t, int64(42), ev.Data.(NotificationEvent).ChatID)

	sent, _ := sender.snapshot()
	assert.Equal(t, []string{"3 sent"}, sent)
	require.Len(t, s.History(), 1)
	assert.Equal(t, int64(42), s.History()[0].ChatID)
}

func TestNotifyIgnoresEmpty(t *testing.T) {
	sender := &scriptedSender{}
	s, _ := newTestService(t, Config{Workers: 1}, sender, nil)

	s.Notify(context.Background(), 0, "x")
	s.Notify(context.Background(), 1, "")

	_, calls := sender.snapshot()
	assert.Zero(t, calls)
}

func TestRetryHonorsFloodWait(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "notify.")
	defer unsub()

	sender := &scriptedSender{errs: []error{
		transport.RateLimited(errors.New("flood"), 7*time.Second),
		transport.Transient(errors.New("reset")),
	}}
	s, rec := newTestService(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Second, RetryMaxDelay: 4 * time.Second}, sender, bus)

	s.Notify(context.Background(), 1, "hello")
	ev := waitEvent(t, ch)
	require.Equal(t, eventbus.TypeNotifySent, ev.Type)

	_, calls := sender.snapshot()
	assert.Equal(t, 3, calls)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.delays, 2)
	assert.Equal(t, 7*time.Second, rec.delays[0])
	assert.LessOrEqual(t, rec.delays[1], 4*time.Second)
}

func TestFatalIsNotRetried(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "notify.")
	defer unsub()

	sender := &scriptedSender{errs: []error{errors.New("chat not found")}}
	s, rec := newTestService(t, Config{Workers: 1, RetryMax: 5}, sender, bus)

	s.Notify(context.Background(), 1, "x")
	ev := waitEvent(t, ch)
	assert.Equal(t, eventbus.TypeNotifyFailed, ev.Type)
	assert.Contains(t, ev.Data.(NotificationEvent).Error, "chat not found")

	_, calls := sender.snapshot()
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDedupWindow(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "notify.")
	defer unsub()

	sender := &scriptedSender{}
	s, _ := newTestService(t, Config{Workers: 1, DedupWindow: time.Minute}, sender, bus)

	s.Notify(context.Background(), 1, "same")
	s.Notify(context.Background(), 1, "same")
	s.Notify(context.Background(), 2, "same")
	waitEvent(t, ch)
	waitEvent(t, ch)

	sent, _ := sender.snapshot()
	assert.Len(t, sent, 2)
}

func TestSendAfterStop(t *testing.T) {
	s := New(Config{}, &scriptedSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Send(context.Background(), Notification{Text: "x"}), ErrStopped)

	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.ErrorIs(t, s.Send(context.Background(), Notification{Text: "x"}), ErrStopped)
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}
