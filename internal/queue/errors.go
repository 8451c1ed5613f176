package queue

import "errors"

var (
	// ErrNotFound is returned by point lookups of an absent row. After a
	// one-time task succeeds this is the expected terminal state.
	ErrNotFound = errors.New("queue: task instance not found")

	// ErrNoDue is returned by PickDue when nothing is due.
	ErrNoDue = errors.New("queue: no tasks due")

	// ErrPickConflict means another picker claimed the candidate first.
	ErrPickConflict = errors.New("queue: pick lost to a concurrent picker")

	// ErrLeaseLost means a guarded update found the row released or re-picked.
	ErrLeaseLost = errors.New("queue: lease no longer held")

	ErrUnknownDriver = errors.New("queue: unknown database driver")
)
