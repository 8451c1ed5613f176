// Package listener records task completions reported by the engine.
package listener

import (
	"sync"
	"time"

	"dbtimetravel/internal/domain"
)

// Record is the completion history of one task instance.
type Record struct {
	Count       int
	Successes   int
	Failures    int
	LastOutcome domain.Outcome
	LastAt      time.Time
	// Completed is true when the latest attempt succeeded.
	Completed bool
}

// Listener counts completions per task instance. OnCompletion may be called
// from many worker goroutines while readers query it.
type Listener struct {
	mu      sync.RWMutex
	records map[domain.TaskKey]Record
	total   int
	changed chan struct{}
}

func New() *Listener {
	return &Listener{
		records: make(map[domain.TaskKey]Record),
		changed: make(chan struct{}, 1),
	}
}

func (l *Listener) OnCompletion(c domain.Completion) {
	l.mu.Lock()
	r := l.records[c.Key]
	r.Count++
	switch c.Outcome {
	case domain.OutcomeSucceeded:
		r.Successes++
	default:
		r.Failures++
	}
	r.LastOutcome = c.Outcome
	r.LastAt = c.FinishedAt
	r.Completed = c.Outcome == domain.OutcomeSucceeded
	l.records[c.Key] = r
	l.total++
	l.mu.Unlock()

	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// Snapshot returns the record for key; the zero Record if none.
func (l *Listener) Snapshot(key domain.TaskKey) Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[key]
}

func (l *Listener) Count(key domain.TaskKey) int { return l.Snapshot(key).Count }

// Total is the number of completions seen across all instances.
func (l *Listener) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Changed fires at least once after any completion since the last receive.
func (l *Listener) Changed() <-chan struct{} { return l.changed }

func (l *Listener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[domain.TaskKey]Record)
	l.total = 0
}
