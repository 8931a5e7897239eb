package repo

import (
	"context"
	"database/sql"
	"strings"

	"northstar/internal/domain"
)

const jobColumns = `id,queue,COALESCE(idempotency_key,''),payload_json,state,attempts,max_attempts,backoff_kind,backoff_delay_ms,run_at_ms,claimed_until_ms,COALESCE(last_error,''),created_at,updated_at,completed_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	err := scan(&j.ID, &j.Queue, &j.IdempotencyKey, &j.PayloadJSON, &j.State,
		&j.Attempts, &j.MaxAttempts, &j.BackoffKind, &j.BackoffDelayMS,
		&j.RunAtMS, &j.ClaimedUntilMS, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

// InsertJob stores a new PENDING job inside the caller's transaction. A
// unique-index violation on (queue, idempotency_key) surfaces as ErrConflict.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id,queue,idempotency_key,payload_json,state,attempts,max_attempts,backoff_kind,backoff_delay_ms,run_at_ms,claimed_until_ms,last_error,created_at,updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Queue, nullable(j.IdempotencyKey), j.PayloadJSON, j.State,
		j.Attempts, j.MaxAttempts, j.BackoffKind, j.BackoffDelayMS, j.RunAtMS,
		j.ClaimedUntilMS, nullable(j.LastError), j.CreatedAt, j.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

// GetJob loads a job by id.
func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// FindJobByKey looks up the live job holding an idempotency key on a queue.
// Dead-lettered jobs do not hold their key.
func (r Repo) FindJobByKey(ctx context.Context, tx *sql.Tx, queue, key string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue=? AND idempotency_key=? AND state != ?`,
		queue, key, domain.JobDeadLetter)
	return scanJob(row.Scan)
}

// ClaimJob atomically claims the oldest due job on a queue and increments its
// attempt counter: either a PENDING job, or an ACTIVE job whose claim lease
// expired because its worker died before resolving it. The claim holds until
// leaseUntilMS. ErrNotFound means nothing is due.
func (r Repo) ClaimJob(ctx context.Context, queue string, nowMS, leaseUntilMS int64, now string) (domain.Job, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE queue=? AND run_at_ms <= ? AND (state=? OR (state=? AND claimed_until_ms <= ?))
		 ORDER BY run_at_ms,created_at LIMIT 1`,
		queue, nowMS, domain.JobPending, domain.JobActive, nowMS)
	j, err := scanJob(row.Scan)
	if err != nil {
		return domain.Job{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state=?, attempts=attempts+1, claimed_until_ms=?, updated_at=?
		 WHERE id=? AND (state=? OR (state=? AND claimed_until_ms <= ?))`,
		domain.JobActive, leaseUntilMS, now, j.ID, domain.JobPending, domain.JobActive, nowMS)
	if err != nil {
		return domain.Job{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, err
	}
	if n == 0 {
		return domain.Job{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobActive
	j.Attempts++
	j.ClaimedUntilMS = leaseUntilMS
	j.UpdatedAt = now
	return j, nil
}

// CompleteJob marks an active job COMPLETED.
func (r Repo) CompleteJob(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, last_error=NULL, claimed_until_ms=0, updated_at=?, completed_at=? WHERE id=?`,
		domain.JobCompleted, now, now, id)
	return err
}

// RescheduleJob returns a failed job to PENDING with a new due time.
func (r Repo) RescheduleJob(ctx context.Context, id string, runAtMS int64, lastErr, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, run_at_ms=?, claimed_until_ms=0, last_error=?, updated_at=? WHERE id=?`,
		domain.JobPending, runAtMS, nullable(lastErr), now, id)
	return err
}

// DeadLetterJob parks an exhausted job. Dead-lettered rows fall outside the
// unique key index, so a fresh enqueue with the same idempotency key is
// possible afterwards.
func (r Repo) DeadLetterJob(ctx context.Context, id, lastErr, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET state=?, last_error=?, claimed_until_ms=0, updated_at=? WHERE id=?`,
		domain.JobDeadLetter, nullable(lastErr), now, id)
	return err
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Queue  string
	State  domain.JobState
	Limit  int
	Offset int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, int, error) {
	var conds []string
	var args []any
	if f.Queue != "" {
		conds = append(conds, "queue=?")
		args = append(args, f.Queue)
	}
	if f.State != "" {
		conds = append(conds, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// CountJobsByState returns per-state totals for one queue, or all queues when
// queue is empty.
func (r Repo) CountJobsByState(ctx context.Context, queue string) (map[domain.JobState]int, error) {
	q := `SELECT state, count(*) FROM jobs`
	var args []any
	if queue != "" {
		q += ` WHERE queue=?`
		args = append(args, queue)
	}
	q += ` GROUP BY state`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobState]int)
	for rows.Next() {
		var state domain.JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// DeleteCompletedJobsBefore prunes completed jobs older than the cutoff.
func (r Repo) DeleteCompletedJobsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM jobs WHERE state=? AND completed_at < ?`, domain.JobCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
