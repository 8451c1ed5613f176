package worker

import "errors"

var (
	ErrUnknownTask      = errors.New("worker: no task registered under that name")
	ErrAlreadyScheduled = errors.New("worker: task instance already scheduled")
	ErrDuplicateTask    = errors.New("worker: task registered twice")
	ErrInvalidTask      = errors.New("worker: task needs a name and a handler")
	ErrHandlerPanic     = errors.New("worker: handler panicked")
)
