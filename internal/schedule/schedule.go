// Package schedule computes the next execution time of recurring tasks.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule returns the next execution time after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

// FixedDelay re-arms a task a fixed duration after each execution.
type FixedDelay time.Duration

func (d FixedDelay) Next(from time.Time) time.Time { return from.Add(time.Duration(d)) }

func (d FixedDelay) String() string { return "fixed-delay " + time.Duration(d).String() }

type cronSchedule struct {
	expr  string
	sched cron.Schedule
}

// Cron parses a standard five-field cron expression.
func Cron(expr string) (Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return cronSchedule{expr: expr, sched: s}, nil
}

// MustCron is Cron for expressions known at compile time.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (c cronSchedule) Next(from time.Time) time.Time { return c.sched.Next(from) }

func (c cronSchedule) String() string { return "cron " + c.expr }

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}
