package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"fwdbot/internal/eventbus"
	logx "fwdbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, t)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	if qt.state != nil {
		defer qt.state.release()
	}

	start := s.now()
	delay := max(start.Sub(qt.origin), 0)
	late := max(qt.enqueuedAt.Sub(qt.origin), 0)

	s.mu.Lock()
	grace := s.cfg.MisfireGrace
	s.mu.Unlock()

	if grace > 0 && late > grace {
		s.onStaleDropped(start, qt.task, late)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("delay", delay))
	s.publish(eventbus.TypeTaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay})

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	err := func() (err error) {
		// One bad task must not kill a worker.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: delay, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.TypeTaskFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TypeTaskFinished, ev)
	}
	s.record(ev)
}
