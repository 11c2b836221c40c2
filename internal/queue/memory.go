package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same semantics as DBQueue.
// It backs tests and single-node deployments without Postgres.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	return &MemoryQueue{
		jobs:        map[string]*Job{},
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		maxAttempts: opts.DefaultMaxAttempts,
		now:         time.Now,
	}
}

var _ Queue = (*MemoryQueue)(nil)

// SetClock overrides the queue's time source. Tests use it to step through
// backoff schedules without sleeping.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue adds a queued job.
func (q *MemoryQueue) Enqueue(ctx context.Context, req EnqueueRequest) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req.Type == "" {
		req.Type = JobTypeProcessMessage
	}
	if req.Priority <= 0 {
		req.Priority = PriorityDefault
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.maxAttempts
	}
	now := q.now()
	job := &Job{
		ID:             uuid.NewString(),
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		Type:           req.Type,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		Status:         StatusQueued,
		ScheduledFor:   now,
		CreatedAt:      now,
	}
	q.jobs[job.ID] = job
	return *job, nil
}

// Dequeue leases the best runnable job, skipping conversations that already
// hold a live lease.
func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, lease time.Duration) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lease <= 0 {
		lease = time.Minute
	}
	now := q.now()

	held := map[string]bool{}
	for _, job := range q.jobs {
		if job.Status == StatusLeased && job.LockedUntil.After(now) {
			held[job.ConversationID] = true
		}
	}

	var runnable []*Job
	for _, job := range q.jobs {
		if job.Status != StatusQueued || job.ScheduledFor.After(now) {
			continue
		}
		if held[job.ConversationID] {
			continue
		}
		runnable = append(runnable, job)
	}
	if len(runnable) == 0 {
		return Job{}, false, nil
	}
	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].Priority != runnable[j].Priority {
			return runnable[i].Priority > runnable[j].Priority
		}
		if !runnable[i].ScheduledFor.Equal(runnable[j].ScheduledFor) {
			return runnable[i].ScheduledFor.Before(runnable[j].ScheduledFor)
		}
		return runnable[i].CreatedAt.Before(runnable[j].CreatedAt)
	})

	job := runnable[0]
	job.Status = StatusLeased
	job.LockedBy = workerID
	job.LockedUntil = now.Add(lease)
	job.AttemptCount++
	return *job, true, nil
}

// Ack marks a leased job completed.
func (q *MemoryQueue) Ack(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusLeased {
		return ErrJobNotFound
	}
	job.Status = StatusCompleted
	job.LockedBy = ""
	job.LockedUntil = time.Time{}
	return nil
}

// Fail requeues with backoff or marks the job failed when exhausted.
func (q *MemoryQueue) Fail(ctx context.Context, jobID, reason string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusLeased {
		return Job{}, ErrJobNotFound
	}
	job.LastError = reason
	job.LockedBy = ""
	job.LockedUntil = time.Time{}
	if job.Exhausted() {
		job.Status = StatusFailed
		return *job, nil
	}
	job.Status = StatusQueued
	job.ScheduledFor = q.now().Add(Backoff(q.baseBackoff, job.AttemptCount, q.maxBackoff))
	return *job, nil
}

// Cancel removes a queued job from circulation.
func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusQueued {
		return ErrJobNotFound
	}
	job.Status = StatusCancelled
	return nil
}

// ReapExpired requeues jobs whose lease deadline passed with exponential
// backoff, returning the ones that expired on their final attempt.
func (q *MemoryQueue) ReapExpired(ctx context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var exhausted []Job
	for _, job := range q.jobs {
		if job.Status != StatusLeased || job.LockedUntil.After(now) {
			continue
		}
		job.LastError = "lease expired"
		job.LockedBy = ""
		job.LockedUntil = time.Time{}
		if job.Exhausted() {
			job.Status = StatusFailed
			exhausted = append(exhausted, *job)
		} else {
			job.Status = StatusQueued
			job.ScheduledFor = now.Add(Backoff(q.baseBackoff, job.AttemptCount, q.maxBackoff))
		}
	}
	return exhausted, nil
}

// Depth counts queued jobs.
func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var depth int64
	for _, job := range q.jobs {
		if job.Status == StatusQueued {
			depth++
		}
	}
	return depth, nil
}
