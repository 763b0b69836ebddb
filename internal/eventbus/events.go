package eventbus

// Event types published by fwdbot components.
const (
	TypeDelivery         = "forward.delivery"
	TypeRun              = "forward.run"
	TypeWatchdogArmed    = "watchdog.armed"
	TypeWatchdogDisarmed = "watchdog.disarmed"
	TypeWatchdogReminder = "watchdog.reminder"

	TypeTaskStarted  = "task.started"
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskDropped  = "task.dropped"
	TypeTaskSkipped  = "task.skipped"

	TypeNotifySent    = "notify.sent"
	TypeNotifyFailed  = "notify.failed"
	TypeNotifyDropped = "notify.dropped"
)

// GroupEvent is the payload of watchdog.* events.
type GroupEvent struct {
	GroupID string
	Pending int
}
