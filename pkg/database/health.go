package database

import (
	"context"
	"fmt"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck verifies the database answers within the probe budget. Used by
// the readiness endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

// PoolStats exposes connection pool gauges for diagnostics.
func (c *Client) PoolStats() (total, idle, acquired int32) {
	stat := c.pool.Stat()
	return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
}
