package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBQueue is the Postgres-backed Queue. Leasing uses FOR UPDATE SKIP LOCKED
// so concurrent workers never contend on the same row.
type DBQueue struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
}

// Options tunes the retry schedule of a queue.
type Options struct {
	// BaseBackoff is the first retry delay. Zero means 2s.
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling retry delay. Zero means 5 minutes.
	MaxBackoff time.Duration
	// DefaultMaxAttempts applies to enqueue requests that do not set their
	// own attempt budget. Zero means 3.
	DefaultMaxAttempts int
}

// NewDBQueue creates a Postgres queue.
func NewDBQueue(log *slog.Logger, pool *pgxpool.Pool, opts Options) *DBQueue {
	if log == nil {
		log = slog.Default()
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	return &DBQueue{
		pool:        pool,
		logger:      log.With(slog.String("service", "queue")),
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxAttempts: opts.DefaultMaxAttempts,
	}
}

var _ Queue = (*DBQueue)(nil)

const jobColumns = `id, message_id, conversation_id, job_type, priority, attempt_count,
	max_attempts, status, last_error, scheduled_for, locked_by, locked_until, created_at`

// Enqueue adds a queued job for the message.
func (q *DBQueue) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	if req.Type == "" {
		req.Type = JobTypeProcessMessage
	}
	if req.Priority <= 0 {
		req.Priority = PriorityDefault
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.maxAttempts
	}
	row := q.pool.QueryRow(ctx, `
		INSERT INTO jobs (message_id, conversation_id, job_type, priority, max_attempts, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobColumns,
		req.MessageID, req.ConversationID, req.Type, req.Priority, req.MaxAttempts, StatusQueued)
	return scanJob(row)
}

// dequeueCandidates bounds how many runnable jobs one Dequeue inspects when
// the front of the queue belongs to conversations that are already leased.
const dequeueCandidates = 8

// Dequeue leases the highest-priority runnable job. Jobs in a conversation
// that already has a live lease are skipped so processing stays sequential
// per conversation. A NOT EXISTS filter alone is not enough under READ
// COMMITTED: two overlapping statements can each lease a different job of
// the same conversation because neither snapshot sees the other's
// uncommitted lease. Leasing therefore runs in a transaction that holds an
// advisory lock on the conversation across a recheck, so a lease committed
// by a racing worker is always visible before ours is written.
func (q *DBQueue) Dequeue(ctx context.Context, workerID string, lease time.Duration) (Job, bool, error) {
	if lease <= 0 {
		lease = time.Minute
	}
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT j.id, j.conversation_id FROM jobs j
		WHERE j.status = $1
		  AND j.scheduled_for <= now()
		  AND NOT EXISTS (
			SELECT 1 FROM jobs held
			WHERE held.conversation_id = j.conversation_id
			  AND held.status = $2
			  AND held.locked_until > now()
		  )
		ORDER BY j.priority DESC, j.scheduled_for ASC, j.created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3`,
		StatusQueued, StatusLeased, dequeueCandidates)
	if err != nil {
		return Job{}, false, err
	}
	type candidate struct {
		id             string
		conversationID string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.conversationID); err != nil {
			rows.Close()
			return Job{}, false, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Job{}, false, err
	}

	for _, c := range candidates {
		// The try-lock fails only while another worker is mid-lease on the
		// same conversation, in which case the candidate must be skipped
		// anyway. Blocking here could deadlock across workers.
		var locked bool
		if err := tx.QueryRow(ctx,
			`SELECT pg_try_advisory_xact_lock(hashtext($1))`, c.conversationID).Scan(&locked); err != nil {
			return Job{}, false, err
		}
		if !locked {
			continue
		}
		// Fresh statement, fresh snapshot: any lease committed before we
		// acquired the advisory lock is visible now.
		var held bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM jobs
				WHERE conversation_id = $1 AND status = $2 AND locked_until > now()
			)`, c.conversationID, StatusLeased).Scan(&held); err != nil {
			return Job{}, false, err
		}
		if held {
			continue
		}
		row := tx.QueryRow(ctx, `
			UPDATE jobs SET
				status = $2,
				locked_by = $3,
				locked_until = now() + $4,
				attempt_count = attempt_count + 1,
				updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns,
			c.id, StatusLeased, workerID, lease)
		job, err := scanJob(row)
		if err != nil {
			return Job{}, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Job{}, false, err
		}
		return job, true, nil
	}
	return Job{}, false, nil
}

// Ack marks a leased job completed.
func (q *DBQueue) Ack(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, locked_by = '', locked_until = NULL, updated_at = now()
		WHERE id = $1 AND status = $3`,
		jobID, StatusCompleted, StatusLeased)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Fail requeues the job with exponential backoff, or marks it failed when
// its attempts are exhausted.
func (q *DBQueue) Fail(ctx context.Context, jobID, reason string) (Job, error) {
	current := q.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND status = $2`,
		jobID, StatusLeased)
	job, err := scanJob(current)
	if err != nil {
		return Job{}, err
	}

	if job.Exhausted() {
		row := q.pool.QueryRow(ctx, `
			UPDATE jobs SET status = $2, last_error = $3,
				locked_by = '', locked_until = NULL, updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns,
			jobID, StatusFailed, reason)
		return scanJob(row)
	}

	delay := Backoff(q.baseBackoff, job.AttemptCount, q.maxBackoff)
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, last_error = $3,
			scheduled_for = now() + $4,
			locked_by = '', locked_until = NULL, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, StatusQueued, reason, delay)
	return scanJob(row)
}

// Cancel removes a queued job from circulation.
func (q *DBQueue) Cancel(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		jobID, StatusCancelled, StatusQueued)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ReapExpired requeues leased jobs whose deadline has passed, with the same
// exponential backoff a failed attempt gets. Jobs that expired on their final
// attempt are moved to failed and returned so the caller can run the terminal
// failure path; the reaper alone must never leave an exhausted job silent.
func (q *DBQueue) ReapExpired(ctx context.Context) ([]Job, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE jobs SET status = $2, last_error = 'lease expired',
			locked_by = '', locked_until = NULL, updated_at = now()
		WHERE status = $1 AND locked_until <= now() AND attempt_count >= max_attempts
		RETURNING `+jobColumns,
		StatusLeased, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("reap exhausted leases: %w", err)
	}
	var exhausted []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		exhausted = append(exhausted, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	requeuedTag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = 'lease expired',
			scheduled_for = now() + least($3::interval * power(2, greatest(attempt_count - 1, 0)), $4::interval),
			locked_by = '', locked_until = NULL, updated_at = now()
		WHERE status = $1 AND locked_until <= now()`,
		StatusLeased, StatusQueued, q.baseBackoff, q.maxBackoff)
	if err != nil {
		return exhausted, fmt.Errorf("requeue expired leases: %w", err)
	}
	total := int64(len(exhausted)) + requeuedTag.RowsAffected()
	if total > 0 {
		q.logger.Warn("reaped expired job leases",
			slog.Int64("count", total),
			slog.Int("exhausted", len(exhausted)))
	}
	return exhausted, nil
}

// Depth counts queued jobs.
func (q *DBQueue) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status = $1`, StatusQueued).Scan(&depth)
	return depth, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var lockedUntil *time.Time
	err := row.Scan(&j.ID, &j.MessageID, &j.ConversationID, &j.Type, &j.Priority,
		&j.AttemptCount, &j.MaxAttempts, &j.Status, &j.LastError, &j.ScheduledFor,
		&j.LockedBy, &lockedUntil, &j.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	if lockedUntil != nil {
		j.LockedUntil = *lockedUntil
	}
	return j, nil
}
