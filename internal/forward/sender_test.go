package forward

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace/noop"

	"fwdbot/internal/storage"
	"fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
)

func newTestSender(out Deliverer) (*Sender, *sleeps) {
	s := NewSender(SenderConfig{}, out, logx.Nop(), noop.NewTracerProvider().Tracer("test"))
	rec := &sleeps{}
	s.sleep = rec.sleep
	return s, rec
}

func TestSenderDelivers(t *testing.T) {
	out := &fakeOut{}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@news", storage.Item{ID: 1, GroupID: "g1", Content: "hi"})
	assert.Equal(t, OutcomeDelivered, d.Outcome)
	assert.Equal(t, 1, d.Attempts)
	assert.Empty(t, rec.all())
	assert.Equal(t, transport.Payload{Kind: transport.MediaText, Text: "hi"}, out.sent()[0].Payload)
}

func TestSenderRateLimitedWaitIsExactAndUncounted(t *testing.T) {
	out := &fakeOut{fail: func(_ string, call int) error {
		if call == 1 {
			return transport.RateLimited(errors.New("flood"), 30*time.Second)
		}
		return nil
	}}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@news", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeDelivered, d.Outcome)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, []time.Duration{30 * time.Second}, rec.all())
	assert.Equal(t, 30*time.Second, d.Waited)
}

func TestSenderRateLimitsDoNotExhaustCap(t *testing.T) {
	out := &fakeOut{fail: func(_ string, call int) error {
		if call <= 8 {
			return transport.RateLimited(nil, time.Second)
		}
		return nil
	}}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@news", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeDelivered, d.Outcome)
	assert.Len(t, rec.all(), 8)
}

func TestSenderTransientBackoffAndCap(t *testing.T) {
	out := &fakeOut{fail: func(string, int) error {
		return transport.Transient(errors.New("timeout"))
	}}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "-100123", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Equal(t, 5, d.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, rec.all())
	assert.Contains(t, d.Error, "timeout")
}

func TestSenderBackoffCappedAtMax(t *testing.T) {
	out := &fakeOut{fail: func(string, int) error {
		return transport.Transient(errors.New("reset"))
	}}
	s := NewSender(SenderConfig{MaxAttempts: 8}, out, logx.Nop(), noop.NewTracerProvider().Tracer("test"))
	rec := &sleeps{}
	s.sleep = rec.sleep

	s.Send(context.Background(), "@news", storage.Item{ID: 1, Content: "x"})
	waits := rec.all()
	assert.Len(t, waits, 7)
	assert.Equal(t, 60*time.Second, waits[len(waits)-1])
	assert.Equal(t, 32*time.Second, waits[4])
}

func TestSenderRetriesOnlyWhileTransient(t *testing.T) {
	out := &fakeOut{fail: func(_ string, call int) error {
		if call == 1 {
			return transport.Transient(errors.New("timeout"))
		}
		return errors.New("chat not found")
	}}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@gone", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.all())
}

func TestSenderFatalReturnsImmediately(t *testing.T) {
	out := &fakeOut{fail: func(string, int) error { return errors.New("bot was kicked") }}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@news", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Equal(t, 1, d.Attempts)
	assert.Empty(t, rec.all())
}

func TestSenderCanceledBeforeSendMakesNoCall(t *testing.T) {
	out := &fakeOut{}
	s, _ := newTestSender(out)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := s.Send(ctx, "@news", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeCanceled, d.Outcome)
	assert.Zero(t, d.Attempts)
	assert.Empty(t, out.sent())
}

func TestSenderCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &fakeOut{fail: func(string, int) error {
		cancel()
		return transport.Transient(errors.New("timeout"))
	}}
	s, _ := newTestSender(out)

	d := s.Send(ctx, "@news", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeCanceled, d.Outcome)
}

func TestSenderCanceledTransportErrorIsNotFatal(t *testing.T) {
	out := &fakeOut{fail: func(string, int) error { return fmt.Errorf("send: %w", context.Canceled) }}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@news", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeCanceled, d.Outcome)
	assert.Empty(t, rec.all())
}

func TestSenderZeroFloodWaitIsClamped(t *testing.T) {
	out := &fakeOut{fail: func(_ string, call int) error {
		if call == 1 {
			return transport.RateLimited(errors.New("flood"), 0)
		}
		return nil
	}}
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@news", storage.Item{ID: 1, Content: "x"})
	assert.Equal(t, OutcomeDelivered, d.Outcome)
	assert.Equal(t, []time.Duration{time.Second}, rec.all())
}

func TestPayloadOfMedia(t *testing.T) {
	p := payloadOf(storage.Item{Kind: transport.MediaPhoto, Content: "caption", MediaRef: "file-1"})
	assert.Equal(t, transport.Payload{Kind: transport.MediaPhoto, Text: "caption", MediaRef: "file-1"}, p)
}

type mockDeliverer struct{ mock.Mock }

func (m *mockDeliverer) Deliver(ctx context.Context, dest string, p transport.Payload) error {
	return m.Called(ctx, dest, p).Error(0)
}

func TestSenderFatalErrorIsNotRetried(t *testing.T) {
	out := &mockDeliverer{}
	out.On("Deliver", mock.Anything, "@gone", transport.Payload{Kind: transport.MediaPhoto, Text: "cap", MediaRef: "file-1"}).
		Return(errors.New("chat not found")).Once()
	s, rec := newTestSender(out)

	d := s.Send(context.Background(), "@gone", storage.Item{ID: 7, Kind: transport.MediaPhoto, Content: "cap", MediaRef: "file-1"})
	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.Equal(t, 1, d.Attempts)
	assert.Empty(t, rec.all())
	out.AssertExpectations(t)
}
