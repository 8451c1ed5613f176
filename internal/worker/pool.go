// Package worker is the polling scheduler engine: it picks due rows from the
// store, runs them on a bounded pool and re-arms or deletes them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dbtimetravel/internal/clock"
	"dbtimetravel/internal/domain"
	"dbtimetravel/internal/queue"
	"dbtimetravel/internal/schedule"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Task registers a handler under a task name. A nil Schedule makes it a
// one-time task.
type Task struct {
	Name     string
	Handler  Handler
	Schedule schedule.Schedule
	// InitialInstance, for recurring tasks, is seeded when the pool starts.
	InitialInstance string
	// MaxFailures deletes a one-time task after that many consecutive
	// failures. Zero retries forever.
	MaxFailures int
}

// CompletionListener is told about every terminal execution attempt, after
// the store reflects its outcome.
type CompletionListener interface {
	OnCompletion(c domain.Completion)
}

// Store is the part of queue.Repository the engine uses.
type Store interface {
	Schedule(ctx context.Context, rec domain.TaskRecord) (bool, error)
	PickDue(ctx context.Context, ref time.Time, owner string, pickedAt time.Time) (domain.TaskRecord, error)
	Heartbeat(ctx context.Context, rec domain.TaskRecord, at time.Time) error
	Remove(ctx context.Context, rec domain.TaskRecord) error
	Reschedule(ctx context.Context, rec domain.TaskRecord, next, at time.Time) error
	RecordFailure(ctx context.Context, rec domain.TaskRecord, next, at time.Time) error
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)
}

type Pool struct {
	repo  Store
	tasks map[string]Task
	clock clock.Clock

	owner        string
	sem          chan struct{}
	trigger      chan struct{}
	pollEvery    time.Duration
	leaseTimeout time.Duration
	immediate    bool
	log          zerolog.Logger
	metrics      *Metrics

	mu        sync.RWMutex
	listeners map[int]CompletionListener
	nextID    int

	wg sync.WaitGroup
}

func NewPool(repo Store, tasks []Task, opts ...Option) (*Pool, error) {
	p := &Pool{
		repo:         repo,
		tasks:        make(map[string]Task, len(tasks)),
		owner:        "dbscheduler-" + uuid.NewString(),
		sem:          make(chan struct{}, 10),
		trigger:      make(chan struct{}, 1),
		pollEvery:    10 * time.Second,
		leaseTimeout: 5 * time.Minute,
		log:          log.Logger,
		listeners:    make(map[int]CompletionListener),
	}
	for _, t := range tasks {
		if t.Name == "" || t.Handler == nil {
			return nil, ErrInvalidTask
		}
		if _, dup := p.tasks[t.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		p.tasks[t.Name] = t
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With().Str("component", "engine").Str("owner", p.owner).Logger()
	return p, nil
}

func (p *Pool) Owner() string { return p.owner }

// Now is the engine's notion of the current time.
func (p *Pool) Now() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return clock.Real{}.Now()
}

// dueRef is the reference passed to the store; zero selects the store clock.
func (p *Pool) dueRef() time.Time {
	if p.clock != nil {
		return p.clock.Now()
	}
	return time.Time{}
}

// ScheduleTask persists a new task instance due at at.
func (p *Pool) ScheduleTask(ctx context.Context, name, instance string, at time.Time, payload json.RawMessage) error {
	task, ok := p.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	key := domain.TaskKey{Name: name, Instance: instance}
	created, err := p.repo.Schedule(ctx, domain.TaskRecord{
		Key:           key,
		ExecutionTime: at.UTC().Truncate(time.Millisecond),
		Payload:       payload,
		Recurring:     task.Schedule != nil,
	})
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrAlreadyScheduled, key)
	}
	p.log.Debug().Str("task", name).Str("instance", instance).Time("execution_time", at).Msg("task scheduled")
	if p.immediate && !at.After(p.Now()) {
		p.TriggerDueCheck()
	}
	return nil
}

// TriggerDueCheck asks the poll loop to check for due work now. It never
// blocks; triggers issued while one is pending are merged.
func (p *Pool) TriggerDueCheck() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// RegisterListener adds l and returns a func that removes it.
func (p *Pool) RegisterListener(l CompletionListener) (unregister func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// Run seeds recurring tasks and polls until ctx is done, then waits for
// in-flight executions.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.seedRecurring(ctx); err != nil {
		return err
	}

	t := time.NewTicker(p.pollEvery)
	defer t.Stop()

	p.log.Info().Dur("poll", p.pollEvery).Int("workers", cap(p.sem)).Bool("virtual_clock", p.clock != nil).Msg("engine started")
	p.checkDue(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.log.Info().Msg("engine stopped")
			return nil
		case <-t.C:
		case <-p.trigger:
		}
		p.checkDue(ctx)
	}
}

// Shutdown waits for in-flight executions or ctx, whichever is first.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) seedRecurring(ctx context.Context) error {
	for _, t := range p.tasks {
		if t.Schedule == nil || t.InitialInstance == "" {
			continue
		}
		created, err := p.repo.Schedule(ctx, domain.TaskRecord{
			Key:           domain.TaskKey{Name: t.Name, Instance: t.InitialInstance},
			ExecutionTime: t.Schedule.Next(p.Now()),
			Recurring:     true,
		})
		if err != nil {
			return fmt.Errorf("seed recurring task %s: %w", t.Name, err)
		}
		if created {
			p.log.Info().Str("task", t.Name).Str("instance", t.InitialInstance).Msg("recurring task seeded")
		}
	}
	return nil
}

func (p *Pool) checkDue(ctx context.Context) {
	p.metrics.dueCheck()

	if n, err := p.repo.RecoverStale(ctx, clock.Real{}.Now().Add(-p.leaseTimeout)); err != nil {
		p.log.Error().Err(err).Msg("recover stale leases")
	} else if n > 0 {
		p.log.Warn().Int("recovered", n).Msg("released tasks with expired leases")
	}

	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		rec, err := p.repo.PickDue(ctx, p.dueRef(), p.owner, clock.Real{}.Now())
		if errors.Is(err, queue.ErrPickConflict) {
			<-p.sem
			continue
		}
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrNoDue) && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("pick due task")
			}
			return
		}
		p.wg.Add(1)
		go p.execute(ctx, rec)
	}
}

func (p *Pool) execute(ctx context.Context, rec domain.TaskRecord) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	started := p.Now()
	wallStart := time.Now()
	task, ok := p.tasks[rec.Key.Name]

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownTask, rec.Key.Name)
	} else {
		hbCtx, stop := context.WithCancel(ctx)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			p.heartbeat(hbCtx, rec)
		}()
		err = invoke(ctx, task.Handler, rec.Payload)
		stop()
		<-hbDone
	}

	// The outcome must be persisted even when shutdown cancelled ctx.
	p.complete(context.WithoutCancel(ctx), task, rec, started, time.Since(wallStart), err)
}

func invoke(ctx context.Context, h Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, payload)
}

func (p *Pool) heartbeat(ctx context.Context, rec domain.TaskRecord) {
	t := time.NewTicker(p.leaseTimeout / 4)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.repo.Heartbeat(ctx, rec, clock.Real{}.Now()); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Str("task", rec.Key.Name).Str("instance", rec.Key.Instance).Msg("heartbeat")
			}
		}
	}
}

func (p *Pool) complete(ctx context.Context, task Task, rec domain.TaskRecord, started time.Time, took time.Duration, execErr error) {
	finished := p.Now()
	outcome := domain.OutcomeSucceeded

	var storeErr error
	switch {
	case execErr == nil && task.Schedule != nil:
		storeErr = p.repo.Reschedule(ctx, rec, task.Schedule.Next(finished), finished)
	case execErr == nil:
		storeErr = p.repo.Remove(ctx, rec)
	case task.Schedule == nil && task.MaxFailures > 0 && rec.ConsecutiveFailures+1 >= task.MaxFailures:
		outcome = domain.OutcomeDead
		storeErr = p.repo.Remove(ctx, rec)
	default:
		outcome = domain.OutcomeFailed
		storeErr = p.repo.RecordFailure(ctx, rec, finished.Add(backoffExp(rec.ConsecutiveFailures+1)), finished)
	}

	var ev *zerolog.Event
	if execErr != nil {
		ev = p.log.Warn().Err(execErr)
	} else {
		ev = p.log.Info()
	}
	ev.Str("task", rec.Key.Name).Str("instance", rec.Key.Instance).Str("outcome", string(outcome)).Dur("took", took).Msg("task executed")
	if storeErr != nil {
		p.log.Error().Err(storeErr).Str("task", rec.Key.Name).Str("instance", rec.Key.Instance).Msg("persist execution outcome")
	}
	p.metrics.observe(rec.Key.Name, outcome, took)

	p.notify(domain.Completion{
		Key:        rec.Key,
		Recurring:  rec.Recurring,
		Outcome:    outcome,
		Err:        execErr,
		StartedAt:  started,
		FinishedAt: finished,
	})
}

func (p *Pool) notify(c domain.Completion) {
	p.mu.RLock()
	ls := make([]CompletionListener, 0, len(p.listeners))
	for _, l := range p.listeners {
		ls = append(ls, l)
	}
	p.mu.RUnlock()
	for _, l := range ls {
		l.OnCompletion(c)
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
