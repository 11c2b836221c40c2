// Package healthcheck evaluates runtime checks for the readiness endpoint.
package healthcheck

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/irisorigin/iris/internal/queue"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusWarn indicates check completed with warning.
	StatusWarn = "warn"
	// StatusError indicates check failed.
	StatusError = "error"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Checker evaluates one or more runtime checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// DBChecker verifies database connectivity.
type DBChecker struct {
	pool *pgxpool.Pool
}

func NewDBChecker(pool *pgxpool.Pool) *DBChecker {
	return &DBChecker{pool: pool}
}

func (c *DBChecker) ListChecks(ctx context.Context) []CheckResult {
	if c == nil || c.pool == nil {
		return []CheckResult{{ID: "db.ping", Status: StatusError, Summary: "pool not configured"}}
	}
	if err := c.pool.Ping(ctx); err != nil {
		return []CheckResult{{ID: "db.ping", Status: StatusError, Summary: "unreachable", Detail: err.Error()}}
	}
	return []CheckResult{{ID: "db.ping", Status: StatusOK, Summary: "reachable"}}
}

// QueueChecker inspects the job backlog. A deep backlog is a warning, not a
// failure, so the pod keeps receiving webhook traffic while workers catch up.
type QueueChecker struct {
	jobs      queue.Queue
	warnDepth int64
}

func NewQueueChecker(jobs queue.Queue, warnDepth int64) *QueueChecker {
	if warnDepth <= 0 {
		warnDepth = 1000
	}
	return &QueueChecker{jobs: jobs, warnDepth: warnDepth}
}

func (c *QueueChecker) ListChecks(ctx context.Context) []CheckResult {
	if c == nil || c.jobs == nil {
		return []CheckResult{{ID: "queue.depth", Status: StatusError, Summary: "queue not configured"}}
	}
	depth, err := c.jobs.Depth(ctx)
	if err != nil {
		return []CheckResult{{ID: "queue.depth", Status: StatusError, Summary: "depth query failed", Detail: err.Error()}}
	}
	status := StatusOK
	if depth >= c.warnDepth {
		status = StatusWarn
	}
	return []CheckResult{{
		ID:      "queue.depth",
		Status:  status,
		Summary: fmt.Sprintf("%d queued", depth),
	}}
}
