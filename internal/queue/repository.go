package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dbtimetravel/internal/domain"
)

// Repository is the scheduled_tasks table.
//
// Methods taking a reference time treat the zero time as "the database's own
// clock", so due-ness is evaluated with the store's native now instead of a
// value supplied by the caller.
type Repository struct {
	db *sql.DB
	d  Dialect
}

func NewRepository(db *sql.DB, d Dialect) *Repository { return &Repository{db: db, d: d} }

func NewSQLiteRepo(db *sql.DB) *Repository { return NewRepository(db, SQLite) }

// EnsureSchema creates the table if it doesn't exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.d.Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const taskColumns = `task_name,task_instance,execution_time,picked,picked_by,last_heartbeat,version,payload,recurring,consecutive_failures,last_success,last_failure`

// Now returns the database's own clock.
func (r *Repository) Now(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := r.db.QueryRowContext(ctx, `SELECT `+r.d.NowMillis).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("query store now: %w", err)
	}
	return fromMillis(ms), nil
}

// Schedule inserts rec unless its key already exists. created reports whether
// a row was written.
func (r *Repository) Schedule(ctx context.Context, rec domain.TaskRecord) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`
INSERT INTO scheduled_tasks (task_name,task_instance,execution_time,picked,version,payload,recurring,consecutive_failures)
VALUES (?,?,?,?,1,?,?,0)
ON CONFLICT (task_name,task_instance) DO NOTHING`),
		rec.Key.Name, rec.Key.Instance, toMillis(rec.ExecutionTime), false, rec.Payload, rec.Recurring)
	if err != nil {
		return false, fmt.Errorf("schedule %s: %w", rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// dueBound returns the SQL operand and args for "execution_time <= ref".
func (r *Repository) dueBound(ref time.Time) (string, []any) {
	if ref.IsZero() {
		return r.d.NowMillis, nil
	}
	return "?", []any{toMillis(ref)}
}

// CountDue counts unpicked rows with execution_time <= ref.
func (r *Repository) CountDue(ctx context.Context, ref time.Time) (int, error) {
	bound, args := r.dueBound(ref)
	var n int
	err := r.db.QueryRowContext(ctx, r.d.Rebind(`
SELECT COUNT(*) FROM scheduled_tasks WHERE picked = ? AND execution_time <= `+bound),
		append([]any{false}, args...)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due: %w", err)
	}
	return n, nil
}

// ListDue returns the unpicked rows with execution_time <= ref, oldest first.
func (r *Repository) ListDue(ctx context.Context, ref time.Time) ([]domain.DueTask, error) {
	bound, args := r.dueBound(ref)
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(`
SELECT task_name,task_instance,execution_time,recurring
FROM scheduled_tasks
WHERE picked = ? AND execution_time <= `+bound+`
ORDER BY execution_time ASC, task_name ASC, task_instance ASC`),
		append([]any{false}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()

	var due []domain.DueTask
	for rows.Next() {
		var t domain.DueTask
		var ms int64
		if err := rows.Scan(&t.Key.Name, &t.Key.Instance, &ms, &t.Recurring); err != nil {
			return nil, fmt.Errorf("list due: %w", err)
		}
		t.ExecutionTime = fromMillis(ms)
		due = append(due, t)
	}
	return due, rows.Err()
}

// ForceDueByRewrite sets execution_time to the database's own now for every
// unpicked row with execution_time <= ref. It runs as one statement, so
// readers see either none or all of the rewrite.
func (r *Repository) ForceDueByRewrite(ctx context.Context, ref time.Time) (int, error) {
	bound, args := r.dueBound(ref)
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`
UPDATE scheduled_tasks
SET execution_time = `+r.d.NowMillis+`, version = version + 1
WHERE picked = ? AND execution_time <= `+bound),
		append([]any{false}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("rewrite execution times: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *Repository) Get(ctx context.Context, key domain.TaskKey) (domain.TaskRecord, error) {
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`
SELECT `+taskColumns+` FROM scheduled_tasks WHERE task_name = ? AND task_instance = ?`), key.Name, key.Instance)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func (r *Repository) Exists(ctx context.Context, key domain.TaskKey) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.d.Rebind(`
SELECT COUNT(*) FROM scheduled_tasks WHERE task_name = ? AND task_instance = ?`), key.Name, key.Instance).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// ExecutionTimeOf fails with ErrNotFound when the row is absent.
func (r *Repository) ExecutionTimeOf(ctx context.Context, key domain.TaskKey) (time.Time, error) {
	var ms int64
	err := r.db.QueryRowContext(ctx, r.d.Rebind(`
SELECT execution_time FROM scheduled_tasks WHERE task_name = ? AND task_instance = ?`), key.Name, key.Instance).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("execution time of %s: %w", key, err)
	}
	return fromMillis(ms), nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]domain.TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.d.Rebind(`
SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY execution_time ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PickDue claims the oldest due row for owner. The claim is a conditional
// update on version, so of two concurrent pickers at most one succeeds; the
// loser gets ErrPickConflict.
func (r *Repository) PickDue(ctx context.Context, ref time.Time, owner string, pickedAt time.Time) (domain.TaskRecord, error) {
	bound, args := r.dueBound(ref)
	row := r.db.QueryRowContext(ctx, r.d.Rebind(`
SELECT `+taskColumns+`
FROM scheduled_tasks
WHERE picked = ? AND execution_time <= `+bound+`
ORDER BY execution_time ASC
LIMIT 1`), append([]any{false}, args...)...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TaskRecord{}, ErrNoDue
	}
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("select due: %w", err)
	}

	res, err := r.db.ExecContext(ctx, r.d.Rebind(`
UPDATE scheduled_tasks
SET picked = ?, picked_by = ?, last_heartbeat = ?, version = version + 1
WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = ?`),
		true, owner, toMillis(pickedAt), rec.Key.Name, rec.Key.Instance, rec.Version, false)
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("pick %s: %w", rec.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TaskRecord{}, ErrPickConflict
	}

	at := pickedAt.UTC().Truncate(time.Millisecond)
	rec.Picked = true
	rec.PickedBy = owner
	rec.LastHeartbeat = &at
	rec.Version++
	return rec, nil
}

func (r *Repository) Heartbeat(ctx context.Context, rec domain.TaskRecord, at time.Time) error {
	return r.guarded(ctx, "heartbeat", rec, `
UPDATE scheduled_tasks SET last_heartbeat = ?
WHERE task_name = ? AND task_instance = ? AND version = ? AND picked = ?`,
		toMillis(at), rec.Key.Name, rec.Key.Instance, rec.Version, true)
}

// Remove deletes a picked row after its one-time execution.
func (r *Repository) Remove(ctx context.Context, rec domain.TaskRecord) error {
	return r.guarded(ctx, "remove", rec, `
DELETE FROM scheduled_tasks WHERE task_name = ? AND task_instance = ? AND version = ?`,
		rec.Key.Name, rec.Key.Instance, rec.Version)
}

// Reschedule re-arms a picked row at next and releases its lease.
func (r *Repository) Reschedule(ctx context.Context, rec domain.TaskRecord, next, at time.Time) error {
	return r.guarded(ctx, "reschedule", rec, `
UPDATE scheduled_tasks
SET execution_time = ?, picked = ?, picked_by = NULL, last_heartbeat = NULL,
    version = version + 1, consecutive_failures = 0, last_success = ?
WHERE task_name = ? AND task_instance = ? AND version = ?`,
		toMillis(next), false, toMillis(at), rec.Key.Name, rec.Key.Instance, rec.Version)
}

// RecordFailure releases a picked row for another attempt at next.
func (r *Repository) RecordFailure(ctx context.Context, rec domain.TaskRecord, next, at time.Time) error {
	return r.guarded(ctx, "record failure", rec, `
UPDATE scheduled_tasks
SET execution_time = ?, picked = ?, picked_by = NULL, last_heartbeat = NULL,
    version = version + 1, consecutive_failures = consecutive_failures + 1, last_failure = ?
WHERE task_name = ? AND task_instance = ? AND version = ?`,
		toMillis(next), false, toMillis(at), rec.Key.Name, rec.Key.Instance, rec.Version)
}

// RecoverStale releases picked rows whose last heartbeat is before cutoff.
func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(`
UPDATE scheduled_tasks
SET picked = ?, picked_by = NULL, last_heartbeat = NULL, version = version + 1
WHERE picked = ? AND last_heartbeat < ?`), false, true, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *Repository) guarded(ctx context.Context, op string, rec domain.TaskRecord, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, rec.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, rec.Key, ErrLeaseLost)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.TaskRecord, error) {
	var (
		rec                         domain.TaskRecord
		execMS                      int64
		pickedBy                    sql.NullString
		heartbeat, success, failure sql.NullInt64
	)
	err := s.Scan(&rec.Key.Name, &rec.Key.Instance, &execMS, &rec.Picked, &pickedBy, &heartbeat,
		&rec.Version, &rec.Payload, &rec.Recurring, &rec.ConsecutiveFailures, &success, &failure)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	rec.ExecutionTime = fromMillis(execMS)
	rec.PickedBy = pickedBy.String
	rec.LastHeartbeat = nullMillis(heartbeat)
	rec.LastSuccess = nullMillis(success)
	rec.LastFailure = nullMillis(failure)
	return rec, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
