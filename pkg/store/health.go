package store

import (
	"context"
	"time"

	"github.com/codeready-toolchain/repairctl/ent/step"
)

// HealthStatus reports both connection-pool saturation and the pipeline's
// own backlog, so an operator can distinguish "database is unreachable" from
// "database is fine, but steps are piling up" (spec §4.2, §4.3).
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`

	PoolTotalConns int32 `json:"pool_total_conns"`
	PoolIdleConns  int32 `json:"pool_idle_conns"`

	PendingSteps int `json:"pending_steps"`
	RunningSteps int `json:"running_steps"`
}

// Health pings the pool and reports the current Pending/Running step
// backlog alongside pool stats.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if c.pool != nil {
		if err := c.pool.Ping(ctx); err != nil {
			return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start).Milliseconds()}, err
		}
	}

	pending, err := c.Step.Query().Where(step.StateEQ(step.StatePending)).Count(ctx)
	if err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start).Milliseconds()}, err
	}
	running, err := c.Step.Query().Where(step.StateEQ(step.StateRunning)).Count(ctx)
	if err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start).Milliseconds()}, err
	}

	status := &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		PendingSteps: pending,
		RunningSteps: running,
	}
	if c.pool != nil {
		stat := c.pool.Stat()
		status.PoolTotalConns = stat.TotalConns()
		status.PoolIdleConns = stat.IdleConns()
	}
	return status, nil
}
