package job

import (
	"errors"
	"fmt"
)

// ErrIllegalState marks caller misuse of the job lifecycle: submitting twice,
// writing a result twice, or a transition the registry does not allow.
// These are programming errors and are never absorbed silently.
var ErrIllegalState = errors.New("illegal job state")

// StateError describes one lifecycle violation.
type StateError struct {
	JobID string
	Op    string
	Msg   string
}

func (e *StateError) Error() string {
	if e == nil {
		return ""
	}
	if e.JobID == "" {
		return fmt.Sprintf("%s: %s: %s", ErrIllegalState.Error(), e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: job %s: %s: %s", ErrIllegalState.Error(), e.JobID, e.Op, e.Msg)
}

func (e *StateError) Unwrap() error { return ErrIllegalState }

// StateErrorf builds a StateError for jobID.
func StateErrorf(jobID, op, format string, args ...any) error {
	return &StateError{JobID: jobID, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IsStateError reports whether err is (or wraps) a lifecycle violation.
func IsStateError(err error) bool {
	return errors.Is(err, ErrIllegalState)
}
