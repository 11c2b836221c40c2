// Package queue provides the durable job queue that decouples webhook intake
// from message processing. Jobs are ordered by priority then schedule time,
// leased to workers with a deadline, and retried with exponential backoff.
package queue

import (
	"context"
	"errors"
	"time"
)

// JobTypeProcessMessage is the only job type the pipeline enqueues today.
const JobTypeProcessMessage = "process_message"

// Job status constants.
const (
	StatusQueued    = "queued"
	StatusLeased    = "leased"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Priority bounds. Higher runs first.
const (
	PriorityLow     = 1
	PriorityDefault = 5
	PriorityHigh    = 9
)

// ErrJobNotFound indicates the job id does not exist or is not leaseable.
var ErrJobNotFound = errors.New("job not found")

// Job is one unit of processing work tied to a persisted message.
type Job struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Type           string    `json:"job_type"`
	Priority       int       `json:"priority"`
	AttemptCount   int       `json:"attempt_count"`
	MaxAttempts    int       `json:"max_attempts"`
	Status         string    `json:"status"`
	LastError      string    `json:"last_error,omitempty"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	LockedBy       string    `json:"locked_by,omitempty"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Exhausted reports whether the job has burned through its attempt budget.
func (j Job) Exhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// EnqueueRequest is the input for adding a job.
type EnqueueRequest struct {
	MessageID      string
	ConversationID string
	Type           string
	Priority       int
	MaxAttempts    int
}

// Queue is the job queue boundary. Dequeue hands out at most one leased job
// per conversation at a time so replies within a conversation stay ordered.
type Queue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (Job, error)
	// Dequeue leases the best runnable job for the worker, or reports
	// false when nothing is runnable right now.
	Dequeue(ctx context.Context, workerID string, lease time.Duration) (Job, bool, error)
	// Ack marks a leased job completed.
	Ack(ctx context.Context, jobID string) error
	// Fail releases a leased job for retry with backoff, or marks it
	// failed once attempts are exhausted. It returns the updated job so
	// callers can react to exhaustion.
	Fail(ctx context.Context, jobID, reason string) (Job, error)
	// Cancel removes a queued job from circulation. Leased jobs cannot be
	// cancelled mid-flight.
	Cancel(ctx context.Context, jobID string) error
	// ReapExpired requeues jobs whose lease deadline passed, counting the
	// expiry as a failed attempt. Jobs that expired on their final attempt
	// are moved to failed and returned so the caller can run the terminal
	// failure path for them.
	ReapExpired(ctx context.Context) ([]Job, error)
	// Depth returns the number of queued jobs.
	Depth(ctx context.Context) (int64, error)
}

// Backoff computes the retry delay after the given number of completed
// attempts: base, 2*base, 4*base and so on, capped at max.
func Backoff(base time.Duration, attempts int, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
