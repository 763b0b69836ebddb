package forward

import (
	"context"
	"fmt"
	"time"

	"fwdbot/internal/eventbus"
	"fwdbot/internal/task/engine"
	logx "fwdbot/pkg/logx"
)

// armWatchdog installs the group's idle reminder unless one is already armed.
func (s *Service) armWatchdog(group string, notifyChat int64) bool {
	trig := Trigger{Kind: TriggerWatchdog, GroupID: group, NotifyChat: notifyChat}
	if err := trig.Validate(); err != nil {
		s.log.Debug("watchdog not armed", logx.String("group", group), logx.Err(err))
		return false
	}
	every := s.cfg.WatchdogInterval
	installed, err := s.trig.AddEveryIfAbsent(trig.Name(), every, every, engine.OverlapSkipIfRunning,
		func(ctx context.Context, _ time.Time) error {
			return s.watchdogFire(ctx, trig)
		})
	if err != nil {
		s.log.Warn("watchdog not armed", logx.String("group", group), logx.Err(err))
		return false
	}
	if installed {
		s.log.Info("idle watchdog armed", logx.String("group", group), logx.Duration("every", every))
		s.publish(eventbus.TypeWatchdogArmed, eventbus.GroupEvent{GroupID: group})
	}
	return installed
}

func (s *Service) disarmWatchdog(group string) bool {
	if !s.trig.Remove(WatchdogName(group)) {
		return false
	}
	s.log.Info("idle watchdog disarmed", logx.String("group", group))
	s.publish(eventbus.TypeWatchdogDisarmed, eventbus.GroupEvent{GroupID: group})
	return true
}

// WatchdogArmed reports whether group has an idle reminder installed.
func (s *Service) WatchdogArmed(group string) bool { return s.trig.Has(WatchdogName(group)) }

func (s *Service) watchdogFire(ctx context.Context, trig Trigger) error {
	n, err := s.store.CountPending(ctx, trig.GroupID)
	if err != nil {
		return storageErr(StageWatchdog, err)
	}
	if n > 0 {
		s.disarmWatchdog(trig.GroupID)
		return nil
	}
	s.notify.Notify(ctx, trig.NotifyChat,
		fmt.Sprintf("⏰ Reminder: the message queue of %s is still empty. Please add new messages.", s.label(trig.GroupID)))
	s.publish(eventbus.TypeWatchdogReminder, eventbus.GroupEvent{GroupID: trig.GroupID})
	return nil
}
