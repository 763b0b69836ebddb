package forward

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fwdbot/internal/storage"
	"fwdbot/internal/transport"
	logx "fwdbot/pkg/logx"
)

// minFloodWait is used when a flood wait carries no delay.
const minFloodWait = time.Second

// SenderConfig bounds per-destination retry.
type SenderConfig struct {
	MaxAttempts int           // transient attempts; rate-limit waits are not counted
	BackoffBase time.Duration // first transient wait
	BackoffMax  time.Duration
}

// Sender delivers one item to one destination with bounded retry. It keeps
// no state across calls.
type Sender struct {
	cfg    SenderConfig
	out    Deliverer
	log    logx.Logger
	tracer trace.Tracer

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSender(cfg SenderConfig, out Deliverer, log logx.Logger, tracer trace.Tracer) *Sender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Sender{cfg: cfg, out: out, log: log, tracer: tracer, sleep: sleepCtx}
}

// Send never returns an error; the outcome carries it.
func (s *Sender) Send(ctx context.Context, dest string, it storage.Item) Delivery {
	ctx, span := s.tracer.Start(ctx, "forward.deliver", trace.WithAttributes(
		attribute.String("destination", dest),
		attribute.Int64("item_id", it.ID),
	))
	defer span.End()

	d := Delivery{GroupID: it.GroupID, Destination: dest, ItemID: it.ID, Outcome: OutcomeFailed}
	p := payloadOf(it)
	backoff := s.cfg.BackoffBase

	for d.Attempts < s.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return canceled(d, err, span)
		}
		err := s.out.Deliver(ctx, dest, p)
		if err == nil {
			d.Attempts++
			d.Outcome = OutcomeDelivered
			d.Error = ""
			span.SetAttributes(attribute.Int("attempts", d.Attempts))
			return d
		}
		d.Error = err.Error()

		class, wait := transport.Classify(err)
		if ctx.Err() != nil {
			class = transport.ClassCanceled
		}
		switch class {
		case transport.ClassCanceled:
			return canceled(d, err, span)
		case transport.ClassRateLimited:
			wait = max(wait, minFloodWait)
			s.log.Warn("flood wait", logx.String("dest", dest), logx.Duration("wait", wait))
		case transport.ClassTransient:
			d.Attempts++
			wait = backoff
			backoff = min(backoff*2, s.cfg.BackoffMax)
			s.log.Warn("transient delivery error",
				logx.String("dest", dest), logx.Int("attempt", d.Attempts), logx.Err(err))
		default:
			d.Attempts++
			s.log.Error("delivery failed", logx.String("dest", dest), logx.Int64("item_id", it.ID), logx.Err(err))
			span.SetStatus(codes.Error, d.Error)
			return d
		}
		if d.Attempts >= s.cfg.MaxAttempts {
			break
		}
		if err := s.sleep(ctx, wait); err != nil {
			return canceled(d, err, span)
		}
		d.Waited += wait
	}

	s.log.Error("delivery gave up",
		logx.String("dest", dest), logx.Int64("item_id", it.ID), logx.Int("attempts", d.Attempts), logx.String("last_err", d.Error))
	span.SetStatus(codes.Error, d.Error)
	return d
}

func canceled(d Delivery, err error, span trace.Span) Delivery {
	d.Outcome = OutcomeCanceled
	d.Error = err.Error()
	span.SetStatus(codes.Error, d.Error)
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
