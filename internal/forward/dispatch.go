package forward

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"fwdbot/internal/eventbus"
	"fwdbot/internal/storage"
	logx "fwdbot/pkg/logx"
)

// Dispatch performs one run for trig: load destinations, read a batch under
// the group's run lock, fan every item out to all destinations, delete the
// batch and report. Panics are recovered into a ClassUnexpected RunError.
func (s *Service) Dispatch(ctx context.Context, trig Trigger, scheduled time.Time) (rep Report, err error) {
	group := trig.GroupID
	rep = Report{
		RunID:     uuid.NewString(),
		GroupID:   group,
		Trigger:   trig.Name(),
		Scheduled: scheduled,
		Started:   s.now(),
	}
	ctx, span := s.tracer.Start(ctx, "forward.dispatch", trace.WithAttributes(
		attribute.String("group", group),
		attribute.String("run_id", rep.RunID),
		attribute.String("trigger", rep.Trigger),
	))
	log := s.log.With(logx.String("group", group), logx.String("run_id", rep.RunID))
	stage := StageLoadDestinations

	defer func() {
		if r := recover(); r != nil {
			err = &RunError{Stage: stage, Class: ClassUnexpected, Err: fmt.Errorf("panic: %v", r)}
			log.Error("dispatch panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		rep.Duration = s.now().Sub(rep.Started)
		if err != nil {
			rep.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if alertable(err) {
				log.Error("dispatch failed", logx.Err(err))
				s.notify.Notify(context.WithoutCancel(ctx), trig.NotifyChat, fmt.Sprintf("❌ %s: forwarding failed: %v", s.label(group), err))
			}
		}
		span.SetAttributes(attribute.Int("items", rep.Items), attribute.Int("failed", rep.Failed))
		span.End()
		s.publish(eventbus.TypeRun, rep)
	}()

	dests, err := s.store.ListDestinations(ctx, group)
	if err != nil {
		return rep, storageErr(StageLoadDestinations, err)
	}
	rep.Destinations = len(dests)
	if len(dests) == 0 {
		log.Warn("no destinations, run aborted")
		s.notify.Notify(ctx, trig.NotifyChat, fmt.Sprintf("⚠️ %s: forwarding failed, no channels are configured for this group.", s.label(group)))
		return rep, configErr(StageLoadDestinations, ErrNoDestinations)
	}

	stage = StageLock
	unlock, err := s.locks.Lock(ctx, "group:"+group)
	if err != nil {
		return rep, storageErr(StageLock, err)
	}
	defer unlock()

	stage = StageLoadBatch
	items, err := s.store.ReadBatch(ctx, group, s.cfg.BatchSize)
	if err != nil {
		return rep, storageErr(StageLoadBatch, err)
	}
	if len(items) == 0 {
		unlock()
		log.Info("no pending items")
		s.notify.Notify(ctx, trig.NotifyChat, fmt.Sprintf("ℹ️ %s: no pending messages to send.", s.label(group)))
		s.armWatchdog(group, trig.NotifyChat)
		return rep, nil
	}
	rep.Items = len(items)
	stage = StageFanOut

	// Only items tried on every destination are acknowledged.
	ids := make([]int64, 0, len(items))
	for i, it := range items {
		if ctx.Err() != nil {
			rep.Interrupted = true
			break
		}
		deliveries, ferr := s.fanOut(ctx, dests, it)
		attempted := true
		for _, d := range deliveries {
			switch d.Outcome {
			case OutcomeDelivered:
				rep.Delivered++
			case OutcomeFailed:
				rep.Failed++
			default:
				attempted = false
			}
			s.publish(eventbus.TypeDelivery, d)
		}
		if ferr != nil {
			log.Error("delivery panicked", logx.Err(ferr))
			return rep, &RunError{Stage: StageFanOut, Class: ClassUnexpected, Err: ferr}
		}
		if !attempted {
			rep.Interrupted = true
			break
		}
		ids = append(ids, it.ID)
		if (i+1)%s.cfg.PaceEvery == 0 {
			if err := s.sleep(ctx, s.cfg.PacePause); err != nil {
				rep.Interrupted = true
				break
			}
		}
	}

	stage = StageDelete
	// Attempted items are acknowledged whatever the outcome: at-most-once.
	deleted, err := s.store.DeleteByIDs(context.WithoutCancel(ctx), ids)
	rep.Deleted = deleted
	if err != nil {
		return rep, storageErr(StageDelete, err)
	}
	unlock()

	if rep.Interrupted {
		log.Warn("run interrupted",
			logx.Int("attempted", len(ids)), logx.Int("left_pending", len(items)-len(ids)), logx.Err(ctx.Err()))
		return rep, &RunError{Stage: StageFanOut, Class: ClassInterrupted, Err: ErrInterrupted}
	}

	stage = StageReport
	log.Info("batch forwarded",
		logx.Int("items", rep.Items), logx.Int("delivered", rep.Delivered), logx.Int("failed", rep.Failed), logx.Int64("deleted", deleted))
	s.notify.Notify(ctx, trig.NotifyChat, reportText(s.label(group), len(ids), rep.Failed))

	remaining, err := s.store.CountPending(ctx, group)
	if err != nil {
		return rep, storageErr(StageReport, err)
	}
	rep.Remaining = remaining
	if remaining == 0 {
		s.armWatchdog(group, trig.NotifyChat)
	}
	return rep, nil
}

// fanOut sends it to every destination in parallel. A panicking delivery is
// returned as an error once all sends finished.
func (s *Service) fanOut(ctx context.Context, dests []string, it storage.Item) ([]Delivery, error) {
	out := make([]Delivery, len(dests))
	var g errgroup.Group
	for i, dest := range dests {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					out[i] = Delivery{GroupID: it.GroupID, Destination: dest, ItemID: it.ID, Outcome: OutcomeFailed, Error: fmt.Sprint(r)}
					err = fmt.Errorf("deliver item %d to %s: panic: %v\n%s", it.ID, dest, r, debug.Stack())
				}
			}()
			out[i] = s.sender.Send(ctx, dest, it)
			return nil
		})
	}
	return out, g.Wait()
}

func reportText(label string, sent, failed int) string {
	msg := fmt.Sprintf("✅ %s: %d messages forwarded.", label, sent)
	if failed > 0 {
		msg += fmt.Sprintf(" %d deliveries failed.", failed)
	}
	return msg
}

func (s *Service) label(group string) string {
	if g, ok := s.byID[group]; ok {
		return g.Label()
	}
	return group
}
