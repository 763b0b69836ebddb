package forward

import (
	"context"
	"fmt"

	"fwdbot/internal/task/scheduler"
	logx "fwdbot/pkg/logx"
)

// Restore reinstalls the dispatch triggers of every group that was
// forwarding before the process stopped. A fire missed by at most
// MisfireGrace that has not run yet is fired once; older misses are skipped.
func (s *Service) Restore(ctx context.Context) error {
	states, err := s.store.ListForwarding(ctx)
	if err != nil {
		return storageErr(StageSchedule, err)
	}
	loc := s.trig.Location()
	now := s.now()

	for _, st := range states {
		if _, ok := s.byID[st.GroupID]; !ok {
			s.log.Warn("forwarding state for unknown group ignored", logx.String("group", st.GroupID))
			continue
		}
		installed, err := s.installDispatch(ctx, st.GroupID, st.NotifyChat)
		if err != nil {
			if ClassOf(err) == ClassConfig {
				s.notify.Notify(ctx, st.NotifyChat,
					fmt.Sprintf("⚠️ %s: forwarding not restored, no valid schedule times.", s.label(st.GroupID)))
				continue
			}
			return err
		}

		for _, c := range installed {
			trig := Trigger{Kind: TriggerDispatch, GroupID: st.GroupID, Time: c, NotifyChat: st.NotifyChat}
			last, _, err := s.store.LastFired(ctx, trig.Name())
			if err != nil {
				s.log.Warn("last fire unknown", logx.String("trigger", trig.Name()), logx.Err(err))
				continue
			}
			if last.IsZero() {
				// Never fired: only occurrences after forwarding started count.
				last = st.StartedAt
			}
			at, missed := scheduler.MissedDaily(now, c.Hour, c.Minute, loc, last, s.cfg.MisfireGrace)
			if !missed {
				continue
			}
			s.log.Info("catching up missed fire", logx.String("trigger", trig.Name()), logx.Time("scheduled", at))
			if err := s.trig.Fire(trig.Name(), at); err != nil {
				s.log.Warn("catch-up fire failed", logx.String("trigger", trig.Name()), logx.Err(err))
			}
		}
	}
	return nil
}
