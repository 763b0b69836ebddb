package forward

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownGroup   = errors.New("unknown group")
	ErrNoDestinations = errors.New("no destinations configured")
	ErrNoTimes        = errors.New("no schedule times set")
	ErrNoSchedule     = errors.New("no valid schedule times")
	ErrInvalidItem    = errors.New("invalid item")
	ErrInterrupted    = errors.New("run interrupted")
)

// ErrorClass is the recovery tier of a failed run or operation.
type ErrorClass string

const (
	// ClassConfig: missing destinations or schedule. Operator notice, no data loss.
	ClassConfig ErrorClass = "config"
	// ClassStorage: store I/O. The run aborts; deletions already made stay.
	ClassStorage ErrorClass = "storage"
	// ClassUnexpected: a recovered panic.
	ClassUnexpected ErrorClass = "unexpected"
	// ClassInterrupted: the run was stopped mid-batch. Attempted items are
	// deleted, the rest stay pending. No alert.
	ClassInterrupted ErrorClass = "interrupted"
)

type Stage string

const (
	StageEnqueue          Stage = "enqueue"
	StageLoadDestinations Stage = "load_destinations"
	StageLock             Stage = "lock"
	StageLoadBatch        Stage = "load_batch"
	StageFanOut           Stage = "fan_out"
	StageDelete           Stage = "delete"
	StageReport           Stage = "report"
	StageSchedule         Stage = "schedule"
	StageWatchdog         Stage = "watchdog"
)

type RunError struct {
	Stage Stage
	Class ErrorClass
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Class, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func storageErr(stage Stage, err error) error {
	return &RunError{Stage: stage, Class: ClassStorage, Err: err}
}

func configErr(stage Stage, err error) error {
	return &RunError{Stage: stage, Class: ClassConfig, Err: err}
}

// alertable reports whether a failed run warrants an operator alert.
func alertable(err error) bool {
	switch ClassOf(err) {
	case ClassConfig, ClassInterrupted:
		return false
	}
	return true
}

// ClassOf returns the class of err, or "" when err is not a RunError.
func ClassOf(err error) ErrorClass {
	var re *RunError
	if errors.As(err, &re) {
		return re.Class
	}
	return ""
}
