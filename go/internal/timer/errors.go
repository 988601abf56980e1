package timer

import "errors"

var (
	// ErrInvalidTransition is returned when an operation is not valid in the
	// current phase. No remote write is issued.
	ErrInvalidTransition = errors.New("timer: invalid transition")
	// ErrInvalidTime is returned when a manual edit is outside [0, defaultTime].
	ErrInvalidTime = errors.New("timer: time out of range")
	// ErrReadOnly is returned when an observer tries to control the timer.
	ErrReadOnly = errors.New("timer: read-only viewer")
	// ErrNotAttached is returned for control operations before Attach.
	ErrNotAttached = errors.New("timer: not attached")
)
