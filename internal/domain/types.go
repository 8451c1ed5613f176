package domain

import (
	"fmt"
	"time"
)

// TaskKey identifies one row of scheduled_tasks.
type TaskKey struct {
	Name     string `json:"task_name"`
	Instance string `json:"task_instance"`
}

func (k TaskKey) String() string { return fmt.Sprintf("%s/%s", k.Name, k.Instance) }

type TaskRecord struct {
	Key                 TaskKey
	ExecutionTime       time.Time
	Picked              bool
	PickedBy            string
	LastHeartbeat       *time.Time
	Version             int64
	Payload             []byte
	Recurring           bool
	ConsecutiveFailures int
	LastSuccess         *time.Time
	LastFailure         *time.Time
}

// DueTask is the snapshot view of a due row.
type DueTask struct {
	Key           TaskKey
	ExecutionTime time.Time
	Recurring     bool
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDead is a one-time task removed after exhausting its failures.
	OutcomeDead Outcome = "dead"
)

// Completion is delivered once per terminal execution attempt.
type Completion struct {
	Key        TaskKey
	Recurring  bool
	Outcome    Outcome
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}
