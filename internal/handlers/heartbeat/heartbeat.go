// Package heartbeat holds the recurring housekeeping tasks.
package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"dbtimetravel/internal/schedule"
	"dbtimetravel/internal/worker"
)

const (
	TaskName        = "heartbeat-task"
	CleanupTaskName = "cleanup-task"

	// Instance is the id the recurring tasks are seeded under.
	Instance = "recurring"
)

// Task logs a heartbeat every 30 seconds.
func Task(log zerolog.Logger) worker.Task {
	return worker.Task{
		Name:            TaskName,
		Schedule:        schedule.FixedDelay(30 * time.Second),
		InitialInstance: Instance,
		Handler: worker.HandlerFunc(func(context.Context, json.RawMessage) error {
			log.Info().Msg("heartbeat")
			return nil
		}),
	}
}

// DueCounter reports how many tasks are due. A zero ref means the store's
// own now.
type DueCounter interface {
	CountDue(ctx context.Context, ref time.Time) (int, error)
}

// CleanupTask reports the due backlog on the given schedule, every 5 minutes
// when nil.
func CleanupTask(store DueCounter, every schedule.Schedule, log zerolog.Logger) worker.Task {
	if every == nil {
		every = schedule.FixedDelay(5 * time.Minute)
	}
	return worker.Task{
		Name:            CleanupTaskName,
		Schedule:        every,
		InitialInstance: Instance,
		Handler: worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
			n, err := store.CountDue(ctx, time.Time{})
			if err != nil {
				return err
			}
			log.Info().Int("due", n).Msg("cleanup: due backlog")
			return nil
		}),
	}
}
