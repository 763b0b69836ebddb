package scheduler

import "time"

// MissedDaily returns the most recent HH:MM occurrence at or before now (in
// loc) when it lies within grace of now and lastFired predates it. A zero
// lastFired means the trigger never fired.
func MissedDaily(now time.Time, hour, minute int, loc *time.Location, lastFired time.Time, grace time.Duration) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	occ := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if occ.After(local) {
		occ = occ.AddDate(0, 0, -1)
	}
	if local.Sub(occ) > grace {
		return time.Time{}, false
	}
	if !lastFired.IsZero() && !lastFired.Before(occ) {
		return time.Time{}, false
	}
	return occ, true
}
