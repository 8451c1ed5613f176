// Package timetravel moves a scheduler's notion of "now" forward on demand
// and blocks until every task that became due has actually run.
//
// Two strategies are supported. ClockSubstitution advances a VirtualClock the
// engine was built with. TimestampRewrite leaves time alone and instead pulls
// the execution_time of every row inside the window back to the store's own
// now, for engines that read real time.
package timetravel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dbtimetravel/internal/clock"
	"dbtimetravel/internal/domain"
	"dbtimetravel/internal/listener"
	"dbtimetravel/internal/queue"
	"dbtimetravel/internal/worker"
)

type Strategy string

const (
	ClockSubstitution Strategy = "clock"
	TimestampRewrite  Strategy = "rewrite"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case ClockSubstitution, TimestampRewrite:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

type State int32

const (
	Idle State = iota
	Advancing
	Forcing
	AwaitingCompletion
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advancing:
		return "advancing"
	case Forcing:
		return "forcing"
	case AwaitingCompletion:
		return "awaiting-completion"
	case TimedOut:
		return "timed-out"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Store is the part of queue.Repository the harness reads and rewrites.
type Store interface {
	Now(ctx context.Context) (time.Time, error)
	ListDue(ctx context.Context, ref time.Time) ([]domain.DueTask, error)
	CountDue(ctx context.Context, ref time.Time) (int, error)
	ForceDueByRewrite(ctx context.Context, ref time.Time) (int, error)
	Get(ctx context.Context, key domain.TaskKey) (domain.TaskRecord, error)
}

// Engine is the scheduler contract the harness drives.
type Engine interface {
	TriggerDueCheck()
	RegisterListener(l worker.CompletionListener) (unregister func())
}

type Options struct {
	Strategy Strategy
	// Clock is required for ClockSubstitution and must be the clock the
	// engine was built with.
	Clock        *clock.VirtualClock
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *zerolog.Logger
}

type Harness struct {
	store    Store
	engine   Engine
	strategy Strategy
	clock    *clock.VirtualClock
	timeout  time.Duration
	poll     time.Duration
	log      zerolog.Logger

	events     *listener.Listener
	unregister func()

	mu         sync.Mutex
	state      atomic.Int32
	timeoutErr error
}

// pending is one snapshot entry awaiting resolution.
type pending struct {
	task     domain.DueTask
	baseline listener.Record
	// after is the execution_time a released row must exceed to count as
	// re-armed.
	after time.Time
}

func New(store Store, engine Engine, opts Options) (*Harness, error) {
	if opts.Strategy == "" {
		opts.Strategy = ClockSubstitution
	}
	if _, err := ParseStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.Strategy == ClockSubstitution && opts.Clock == nil {
		return nil, ErrNoClock
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}

	h := &Harness{
		store:    store,
		engine:   engine,
		strategy: opts.Strategy,
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		poll:     opts.PollInterval,
		log:      lg.With().Str("component", "timetravel").Str("strategy", string(opts.Strategy)).Logger(),
		events:   listener.New(),
	}
	h.unregister = engine.RegisterListener(h.events)
	return h, nil
}

// Close detaches the harness listener from the engine.
func (h *Harness) Close() { h.unregister() }

func (h *Harness) State() State { return State(h.state.Load()) }

func (h *Harness) Strategy() Strategy { return h.strategy }

// Listener exposes the completions the harness has observed.
func (h *Harness) Listener() *listener.Listener { return h.events }

// Now is virtual time under ClockSubstitution and wall time otherwise.
func (h *Harness) Now() time.Time {
	if h.strategy == ClockSubstitution {
		return h.clock.Now()
	}
	return clock.Real{}.Now()
}

// Advance moves time forward by delta and returns once every task instance
// that the move made due has finished executing. Calls are serialized.
func (h *Harness) Advance(ctx context.Context, delta time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() == TimedOut {
		return fmt.Errorf("%w: %w", ErrHarnessTimedOut, h.timeoutErr)
	}
	if delta <= 0 {
		return nil
	}

	h.setState(Advancing)
	err := h.advance(ctx, delta)
	var te *TimeoutError
	if errors.As(err, &te) {
		h.timeoutErr = err
		h.setState(TimedOut)
		h.log.Error().Dur("delta", delta).Int("unresolved", len(te.Unresolved)).Dur("waited", te.Waited).Msg("advance timed out")
		return err
	}
	h.setState(Idle)
	return err
}

func (h *Harness) advance(ctx context.Context, delta time.Duration) error {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return &TimeoutError{cause: err}
	}

	ref, err := h.reference(ctx, delta)
	if err != nil {
		return h.storeErr(ctx, err, nil, started)
	}

	due, err := h.store.ListDue(ctx, ref)
	if err != nil {
		return h.storeErr(ctx, fmt.Errorf("snapshot due tasks: %w", err), nil, started)
	}
	if len(due) == 0 {
		if h.strategy == ClockSubstitution {
			h.clock.AdvanceBy(delta)
		}
		h.log.Debug().Dur("delta", delta).Msg("nothing due; fast path")
		return nil
	}

	snapshot := make(map[domain.TaskKey]*pending, len(due))
	for _, t := range due {
		snapshot[t.Key] = &pending{task: t, baseline: h.events.Snapshot(t.Key), after: t.ExecutionTime}
	}

	h.setState(Forcing)
	if err := h.force(ctx, delta, ref, snapshot); err != nil {
		return h.storeErr(ctx, err, snapshot, started)
	}
	h.engine.TriggerDueCheck()

	h.setState(AwaitingCompletion)
	h.log.Debug().Dur("delta", delta).Int("due", len(due)).Msg("awaiting completion")
	return h.await(ctx, snapshot)
}

// storeErr reports a store failure, or a *TimeoutError when the caller's
// context ended while the store call was in flight.
func (h *Harness) storeErr(ctx context.Context, err error, snapshot map[domain.TaskKey]*pending, started time.Time) error {
	if ctx.Err() == nil {
		return err
	}
	return h.timedOut(ctx, snapshot, time.Since(started))
}

func (h *Harness) reference(ctx context.Context, delta time.Duration) (time.Time, error) {
	if h.strategy == ClockSubstitution {
		return h.clock.Now().Add(delta).Truncate(time.Millisecond), nil
	}
	now, err := h.store.Now(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read store time: %w", err)
	}
	// Callers schedule from Now(), which is wall time; never look behind it.
	wall := clock.Real{}.Now()
	if wall.After(now) {
		now = wall
	}
	return now.Add(delta).Truncate(time.Millisecond), nil
}

func (h *Harness) force(ctx context.Context, delta time.Duration, ref time.Time, snapshot map[domain.TaskKey]*pending) error {
	if h.strategy == ClockSubstitution {
		h.clock.AdvanceBy(delta)
		return nil
	}
	n, err := h.store.ForceDueByRewrite(ctx, ref)
	if err != nil {
		return fmt.Errorf("force due tasks: %w", err)
	}
	forcedAt, err := h.store.Now(ctx)
	if err != nil {
		return fmt.Errorf("read store time: %w", err)
	}
	// Rewritten rows now sit at or before forcedAt. A row still there after
	// execution has been re-armed only if it moved past both marks.
	for _, p := range snapshot {
		if forcedAt.After(p.after) {
			p.after = forcedAt
		}
	}
	h.log.Debug().Int("rewritten", n).Time("ref", ref).Msg("execution times rewritten")
	return nil
}

func (h *Harness) await(ctx context.Context, snapshot map[domain.TaskKey]*pending) error {
	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	tick := time.NewTicker(h.poll)
	defer tick.Stop()

	open := make(map[domain.TaskKey]*pending, len(snapshot))
	for k, p := range snapshot {
		open[k] = p
	}

	for {
		if err := h.resolve(waitCtx, open); err != nil {
			if waitCtx.Err() != nil {
				return h.timedOut(ctx, open, time.Since(started))
			}
			return err
		}
		if err := h.checkInvariant(snapshot); err != nil {
			return err
		}
		if len(open) == 0 {
			h.log.Debug().Int("resolved", len(snapshot)).Dur("waited", time.Since(started)).Msg("advance complete")
			return nil
		}
		h.logDue(waitCtx)

		h.engine.TriggerDueCheck()
		select {
		case <-waitCtx.Done():
			return h.timedOut(ctx, open, time.Since(started))
		case <-tick.C:
		case <-h.events.Changed():
		}
	}
}

// resolve drops every open entry that has finished.
func (h *Harness) resolve(ctx context.Context, open map[domain.TaskKey]*pending) error {
	for key, p := range open {
		if h.events.Count(key) > p.baseline.Count {
			delete(open, key)
			continue
		}
		rec, err := h.store.Get(ctx, key)
		if errors.Is(err, queue.ErrNotFound) {
			delete(open, key)
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve %s: %w", key, err)
		}
		if !rec.Picked && rec.ExecutionTime.After(p.after) {
			delete(open, key)
		}
	}
	return nil
}

func (h *Harness) checkInvariant(snapshot map[domain.TaskKey]*pending) error {
	for key, p := range snapshot {
		if p.task.Recurring {
			continue
		}
		if n := h.events.Snapshot(key).Successes - p.baseline.Successes; n > 1 {
			return &InvariantViolation{Key: key, Successes: n}
		}
	}
	return nil
}

func (h *Harness) logDue(ctx context.Context) {
	ev := h.log.Debug()
	if !ev.Enabled() {
		return
	}
	var ref time.Time
	if h.strategy == ClockSubstitution {
		ref = h.clock.Now()
	}
	n, err := h.store.CountDue(ctx, ref)
	if err != nil {
		ev.Err(err).Msg("count due")
		return
	}
	ev.Int("due", n).Msg("still waiting")
}

func (h *Harness) timedOut(ctx context.Context, open map[domain.TaskKey]*pending, waited time.Duration) error {
	var keys []domain.TaskKey
	for k := range open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Instance < keys[j].Instance
	})
	return &TimeoutError{Unresolved: keys, Waited: waited, cause: ctx.Err()}
}

func (h *Harness) setState(s State) { h.state.Store(int32(s)) }
