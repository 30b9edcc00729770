// Package queue implements the persisted sync job backlog: dedup on
// enqueue, atomic claiming, retry with backoff, and dead-lettering.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaypoint/erpsync/internal/job"
	"github.com/relaypoint/erpsync/internal/store"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

const (
	// DefaultMaxAttempts bounds retries before a job is dead-lettered.
	DefaultMaxAttempts = 5

	// Backoff schedule for transient retries: backoffBase doubled per
	// attempt, capped at backoffCap.
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// jobColumns is the column list shared by every job SELECT.
const jobColumns = `id, tenant_id, module, entity_type, direction, action,
	local_id, remote_id, payload, priority, status, attempts, max_attempts,
	not_before, last_error, created_at, updated_at`

// Queue persists sync jobs in the shared store.
//
// Claim operations are single read-and-mark transactions: two overlapping
// invocations (a manual trigger racing a scheduled one) never receive the
// same job.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithNow overrides the wall clock. Used by tests to control backoff
// scheduling deterministically.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a Queue backed by the given store.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		db:  st.DB(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a new pending job and returns its id.
//
// Enqueueing is idempotent against the pending backlog: if a pending job
// with the same (tenant, module, entity_type, action, local_id) tuple
// already exists, its id is returned and nothing is inserted. A burst of
// change hooks for the same record therefore collapses to one job.
func (q *Queue) Enqueue(ctx context.Context, j job.Job) (int64, error) {
	if j.TenantID == "" || j.Module == "" || j.EntityType == "" {
		return 0, fmt.Errorf("enqueue: tenant, module, and entity_type are required")
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sync_jobs
		WHERE tenant_id = ? AND module = ? AND entity_type = ?
		  AND action = ? AND local_id = ? AND status = 'pending'
		LIMIT 1
	`, j.TenantID, j.Module, j.EntityType, string(j.Action), j.LocalID).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("enqueue: dedup lookup: %w", err)
	}

	now := q.now().Unix()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO sync_jobs
		(tenant_id, module, entity_type, direction, action, local_id, remote_id,
		 payload, priority, status, attempts, max_attempts, not_before,
		 last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, 0, '', ?, ?)
	`,
		j.TenantID, j.Module, j.EntityType, string(j.Direction), string(j.Action),
		j.LocalID, j.RemoteID, j.Payload, j.Priority, j.MaxAttempts, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue: insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue: commit: %w", err)
	}

	return id, nil
}

// ClaimDue atomically marks up to limit due jobs as processing and returns
// them, highest priority first, then oldest. Due means pending, or failed
// with its backoff window elapsed.
func (q *Queue) ClaimDue(ctx context.Context, tenant string, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := q.now()
	jobs, err := selectDue(ctx, tx, tenant, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(jobs)+1)
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobs)), ",")

	args := append([]any{now.Unix()}, ids...)
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE sync_jobs
		SET status = 'processing', updated_at = ?
		WHERE id IN (%s) AND status IN ('pending', 'failed')
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("claim due: mark processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due: commit: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = job.StatusProcessing
		jobs[i].UpdatedAt = now
	}
	return jobs, nil
}

// PeekDue returns up to limit due jobs in claim order without changing any
// state. Used by dry-run passes.
func (q *Queue) PeekDue(ctx context.Context, tenant string, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	jobs, err := selectDue(ctx, q.db, tenant, q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("peek due: %w", err)
	}
	return jobs, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func selectDue(ctx context.Context, db querier, tenant string, now time.Time, limit int) ([]job.Job, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_jobs
		WHERE tenant_id = ? AND status IN ('pending', 'failed') AND not_before <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?
	`, jobColumns), tenant, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkDone transitions a job to done.
func (q *Queue) MarkDone(ctx context.Context, id int64) error {
	return q.setStatus(ctx, id, job.StatusDone, "")
}

// MarkDead transitions a job to dead, recording the final error.
func (q *Queue) MarkDead(ctx context.Context, id int64, errMsg string) error {
	return q.setStatus(ctx, id, job.StatusDead, errMsg)
}

// MarkRetry records a failed attempt. Permanent failures and exhausted
// attempt budgets dead-letter the job; transient failures reschedule it
// with exponential backoff.
func (q *Queue) MarkRetry(ctx context.Context, id int64, errMsg string, kind job.ErrorKind) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark retry: begin tx: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		"SELECT attempts, max_attempts FROM sync_jobs WHERE id = ?", id,
	).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark retry: read attempts: %w", err)
	}

	attempts++
	now := q.now()

	status := job.StatusFailed
	notBefore := now.Add(backoffFor(attempts)).Unix()
	if kind == job.KindPermanent || attempts >= maxAttempts {
		status = job.StatusDead
		notBefore = 0
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, attempts = ?, not_before = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), attempts, notBefore, errMsg, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark retry: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark retry: commit: %w", err)
	}
	return nil
}

// Release returns a claimed job to pending without consuming an attempt.
// Used when a module's circuit is open: the job is deferred, not failed.
func (q *Queue) Release(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, q.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Retry is the operator override: it resets the attempt counter on failed
// or dead jobs and returns them to pending immediately.
func (q *Queue) Retry(ctx context.Context, ids ...int64) (int, error) {
	retried := 0
	now := q.now().Unix()
	for _, id := range ids {
		result, err := q.db.ExecContext(ctx, `
			UPDATE sync_jobs
			SET status = 'pending', attempts = 0, not_before = 0,
			    last_error = '', updated_at = ?
			WHERE id = ? AND status IN ('failed', 'dead')
		`, now, id)
		if err != nil {
			return retried, fmt.Errorf("retry job %d: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return retried, fmt.Errorf("retry job %d: rows affected: %w", id, err)
		}
		retried += int(n)
	}
	return retried, nil
}

// RequeueStale returns jobs stuck in processing longer than olderThan to
// pending. This is the crash-recovery sweep: a worker that died mid-page
// leaves its claimed jobs in processing, and the soft lock expires here.
func (q *Queue) RequeueStale(ctx context.Context, tenant string, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).Unix()
	result, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', updated_at = ?
		WHERE tenant_id = ? AND status = 'processing' AND updated_at < ?
	`, q.now().Unix(), tenant, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale: rows affected: %w", err)
	}
	return int(n), nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id int64) (job.Job, error) {
	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM sync_jobs WHERE id = ?", jobColumns), id)
	if err != nil {
		return job.Job{}, fmt.Errorf("get job: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return job.Job{}, fmt.Errorf("get job: %w", err)
	}
	if len(jobs) == 0 {
		return job.Job{}, ErrNotFound
	}
	return jobs[0], nil
}

// List returns up to limit jobs for a tenant, newest first, optionally
// filtered by status. An empty status matches all.
func (q *Queue) List(ctx context.Context, tenant string, status job.Status, limit int) ([]job.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf("SELECT %s FROM sync_jobs WHERE tenant_id = ?", jobColumns)
	args := []any{tenant}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CountByStatus returns the number of jobs per status for a tenant.
func (q *Queue) CountByStatus(ctx context.Context, tenant string) (map[job.Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_jobs WHERE tenant_id = ? GROUP BY status
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count by status: scan: %w", err)
		}
		counts[job.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: iterate: %w", err)
	}
	return counts, nil
}

func (q *Queue) setStatus(ctx context.Context, id int64, status job.Status, errMsg string) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, string(status), errMsg, q.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark %s: rows affected: %w", status, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// backoffFor returns the delay before the nth retry attempt.
func backoffFor(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func scanJobs(rows *sql.Rows) ([]job.Job, error) {
	var jobs []job.Job
	for rows.Next() {
		var j job.Job
		var direction, action, status string
		var notBefore, createdAt, updatedAt int64

		err := rows.Scan(
			&j.ID, &j.TenantID, &j.Module, &j.EntityType, &direction, &action,
			&j.LocalID, &j.RemoteID, &j.Payload, &j.Priority, &status,
			&j.Attempts, &j.MaxAttempts, &notBefore, &j.LastError,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		j.Direction = job.Direction(direction)
		j.Action = job.Action(action)
		j.Status = job.Status(status)
		j.NotBefore = time.Unix(notBefore, 0)
		j.CreatedAt = time.Unix(createdAt, 0)
		j.UpdatedAt = time.Unix(updatedAt, 0)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
