package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtimetravel/internal/clock"
	"dbtimetravel/internal/domain"
	"dbtimetravel/internal/queue"
	"dbtimetravel/internal/schedule"
)

type recorder struct{ ch chan domain.Completion }

func newRecorder() *recorder { return &recorder{ch: make(chan domain.Completion, 64)} }

func (r *recorder) OnCompletion(c domain.Completion) { r.ch <- c }

func (r *recorder) next(t *testing.T) domain.Completion {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no completion delivered")
		return domain.Completion{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case c := <-r.ch:
		t.Fatalf("unexpected completion for %s", c.Key)
	case <-time.After(wait):
	}
}

func newRepo(t *testing.T) *queue.Repository {
	t.Helper()
	db, d, err := queue.Open("sqlite", filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := queue.NewRepository(db, d)
	require.NoError(t, repo.EnsureSchema(context.Background()))
	return repo
}

// start runs the pool until the test ends.
func start(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func newPool(t *testing.T, repo Store, tasks []Task, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{
		WithPollInterval(time.Hour),
		WithLogger(zerolog.Nop()),
	}, opts...)
	p, err := NewPool(repo, tasks, opts...)
	require.NoError(t, err)
	return p
}

func TestPool_OneTimeTaskRunsAndIsDeleted(t *testing.T) {
	repo := newRepo(t)
	vc := clock.NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	var got atomic.Value
	p := newPool(t, repo, []Task{{
		Name: "send-email-task",
		Handler: HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
			got.Store(string(payload))
			return nil
		}),
	}}, WithClock(vc))
	rec := newRecorder()
	p.RegisterListener(rec)
	start(t, p)

	ctx := context.Background()
	require.NoError(t, p.ScheduleTask(ctx, "send-email-task", "e1", vc.Now().Add(time.Hour), json.RawMessage(`{"email":"a@b.c"}`)))

	p.TriggerDueCheck()
	rec.none(t, 50*time.Millisecond)

	vc.AdvanceBy(time.Hour)
	p.TriggerDueCheck()

	c := rec.next(t)
	assert.Equal(t, domain.TaskKey{Name: "send-email-task", Instance: "e1"}, c.Key)
	assert.Equal(t, domain.OutcomeSucceeded, c.Outcome)
	assert.False(t, c.Recurring)
	assert.Equal(t, `{"email":"a@b.c"}`, got.Load())

	ok, err := repo.Exists(ctx, c.Key)
	require.NoError(t, err)
	assert.False(t, ok, "row is gone by the time listeners hear about it")
}

func TestPool_RecurringTaskIsRearmed(t *testing.T) {
	repo := newRepo(t)
	vc := clock.NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	p := newPool(t, repo, []Task{{
		Name:     "test-recurring-task",
		Handler:  HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
		Schedule: schedule.FixedDelay(time.Hour),
	}}, WithClock(vc))
	rec := newRecorder()
	p.RegisterListener(rec)
	start(t, p)

	ctx := context.Background()
	require.NoError(t, p.ScheduleTask(ctx, "test-recurring-task", "r1", vc.Now().Add(15*time.Second), nil))
	vc.AdvanceBy(15 * time.Second)
	p.TriggerDueCheck()

	c := rec.next(t)
	assert.True(t, c.Recurring)
	assert.Equal(t, domain.OutcomeSucceeded, c.Outcome)

	got, err := repo.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.False(t, got.Picked)
	assert.Equal(t, vc.Now().Add(time.Hour), got.ExecutionTime)
	require.NotNil(t, got.LastSuccess)
}

func TestPool_FailureBacksOffAndDeadAfterMax(t *testing.T) {
	repo := newRepo(t)
	vc := clock.NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	boom := errors.New("smtp down")

	p := newPool(t, repo, []Task{
		{Name: "flaky", Handler: HandlerFunc(func(context.Context, json.RawMessage) error { return boom })},
		{Name: "fragile", MaxFailures: 1, Handler: HandlerFunc(func(context.Context, json.RawMessage) error { return boom })},
	}, WithClock(vc))
	rec := newRecorder()
	p.RegisterListener(rec)
	start(t, p)

	ctx := context.Background()
	require.NoError(t, p.ScheduleTask(ctx, "flaky", "f1", vc.Now(), nil))
	p.TriggerDueCheck()

	c := rec.next(t)
	assert.Equal(t, domain.OutcomeFailed, c.Outcome)
	assert.ErrorIs(t, c.Err, boom)

	got, err := repo.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Equal(t, vc.Now().Add(time.Second), got.ExecutionTime)

	require.NoError(t, p.ScheduleTask(ctx, "fragile", "x", vc.Now(), nil))
	p.TriggerDueCheck()
	c = rec.next(t)
	assert.Equal(t, domain.OutcomeDead, c.Outcome)
	ok, err := repo.Exists(ctx, c.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPool_PanicIsAFailure(t *testing.T) {
	repo := newRepo(t)
	vc := clock.NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newPool(t, repo, []Task{{
		Name:    "explodes",
		Handler: HandlerFunc(func(context.Context, json.RawMessage) error { panic("kaboom") }),
	}}, WithClock(vc))
	rec := newRecorder()
	p.RegisterListener(rec)
	start(t, p)

	require.NoError(t, p.ScheduleTask(context.Background(), "explodes", "1", vc.Now(), nil))
	p.TriggerDueCheck()

	c := rec.next(t)
	assert.Equal(t, domain.OutcomeFailed, c.Outcome)
	assert.ErrorIs(t, c.Err, ErrHandlerPanic)
}

func TestPool_WithoutClockUsesStoreTime(t *testing.T) {
	repo := newRepo(t)
	p := newPool(t, repo, []Task{{
		Name:    "send-email-task",
		Handler: HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
	}})
	rec := newRecorder()
	p.RegisterListener(rec)
	start(t, p)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, p.ScheduleTask(ctx, "send-email-task", "future", now.Add(time.Hour), nil))
	require.NoError(t, p.ScheduleTask(ctx, "send-email-task", "past", now.Add(-time.Second), nil))
	p.TriggerDueCheck()

	c := rec.next(t)
	assert.Equal(t, "past", c.Key.Instance)
	rec.none(t, 50*time.Millisecond)
}

func TestPool_ImmediateExecution(t *testing.T) {
	repo := newRepo(t)
	p := newPool(t, repo, []Task{{
		Name:    "send-email-task",
		Handler: HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
	}}, WithImmediateExecution(true))
	rec := newRecorder()
	p.RegisterListener(rec)
	start(t, p)

	// Let the startup check finish so only the scheduling nudge can pick this up.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.ScheduleTask(context.Background(), "send-email-task", "now", time.Now().Add(-time.Millisecond), nil))
	assert.Equal(t, "now", rec.next(t).Key.Instance)
}

func TestPool_ScheduleTaskErrors(t *testing.T) {
	repo := newRepo(t)
	p := newPool(t, repo, []Task{{
		Name:    "send-email-task",
		Handler: HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
	}})
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	err := p.ScheduleTask(ctx, "nope", "1", at, nil)
	assert.ErrorIs(t, err, ErrUnknownTask)

	require.NoError(t, p.ScheduleTask(ctx, "send-email-task", "1", at, nil))
	err = p.ScheduleTask(ctx, "send-email-task", "1", at, nil)
	assert.ErrorIs(t, err, ErrAlreadyScheduled)
}

func TestNewPool_Validation(t *testing.T) {
	h := HandlerFunc(func(context.Context, json.RawMessage) error { return nil })

	_, err := NewPool(nil, []Task{{Name: "a"}})
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = NewPool(nil, []Task{{Name: "a", Handler: h}, {Name: "a", Handler: h}})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestPool_SeedsRecurringTasks(t *testing.T) {
	repo := newRepo(t)
	vc := clock.NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newPool(t, repo, []Task{{
		Name:            "heartbeat-task",
		Handler:         HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
		Schedule:        schedule.FixedDelay(30 * time.Second),
		InitialInstance: "recurring",
	}}, WithClock(vc))
	start(t, p)

	key := domain.TaskKey{Name: "heartbeat-task", Instance: "recurring"}
	require.Eventually(t, func() bool {
		ok, err := repo.Exists(context.Background(), key)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	at, err := repo.ExecutionTimeOf(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, vc.Now().Add(30*time.Second), at)
}

func TestPool_UnregisterListener(t *testing.T) {
	repo := newRepo(t)
	vc := clock.NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := newPool(t, repo, []Task{{
		Name:    "send-email-task",
		Handler: HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
	}}, WithClock(vc))
	gone := newRecorder()
	stays := newRecorder()
	unregister := p.RegisterListener(gone)
	p.RegisterListener(stays)
	unregister()
	unregister()
	start(t, p)

	require.NoError(t, p.ScheduleTask(context.Background(), "send-email-task", "1", vc.Now(), nil))
	p.TriggerDueCheck()
	stays.next(t)
	gone.none(t, 20*time.Millisecond)
}

func TestPool_Metrics(t *testing.T) {
	repo := newRepo(t)
	vc := clock.NewVirtualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	p := newPool(t, repo, []Task{{
		Name:    "send-email-task",
		Handler: HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
	}}, WithClock(vc), WithMetrics(NewMetrics(reg)))
	rec := newRecorder()
	p.RegisterListener(rec)
	start(t, p)

	require.NoError(t, p.ScheduleTask(context.Background(), "send-email-task", "1", vc.Now(), nil))
	p.TriggerDueCheck()
	rec.next(t)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["dbscheduler_executions_total"])
	assert.True(t, names["dbscheduler_due_checks_total"])
}

func TestBackoffExp(t *testing.T) {
	assert.Equal(t, time.Second, backoffExp(0))
	assert.Equal(t, time.Second, backoffExp(1))
	assert.Equal(t, 4*time.Second, backoffExp(3))
	assert.Equal(t, 60*time.Second, backoffExp(7))
	assert.Equal(t, 60*time.Second, backoffExp(40))
}
