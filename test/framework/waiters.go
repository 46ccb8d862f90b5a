package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/foundrymesh/foundry/pkg/client"
	"github.com/foundrymesh/foundry/pkg/types"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with sensible defaults for an
// in-process mesh (30s timeout, 50ms interval)
func DefaultWaiter() *Waiter {
	return NewWaiter(30*time.Second, 50*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Check immediately
	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForBuildStatus waits for a build to reach a specific status.
// Token may be the build's access token or empty when c carries the
// admin key.
func (w *Waiter) WaitForBuildStatus(ctx context.Context, c *client.Client, buildID, token string, status types.BuildStatus) error {
	return w.WaitFor(ctx, func() bool {
		build, err := c.BuildStatus(ctx, buildID, token)
		return err == nil && build.Status == status
	}, fmt.Sprintf("build %s to reach status %s", buildID, status))
}

// WaitForBuildActive waits for a build to be held by a worker, in
// either the assigned or building state.
func (w *Waiter) WaitForBuildActive(ctx context.Context, c *client.Client, buildID, token string) error {
	return w.WaitFor(ctx, func() bool {
		build, err := c.BuildStatus(ctx, buildID, token)
		return err == nil && build.Status.IsActive()
	}, fmt.Sprintf("build %s to be picked up", buildID))
}

// WaitForBuildTerminal waits for a build to complete or fail and
// returns its final record.
func (w *Waiter) WaitForBuildTerminal(ctx context.Context, c *client.Client, buildID, token string) (*types.Build, error) {
	var final *types.Build
	err := w.WaitFor(ctx, func() bool {
		build, err := c.BuildStatus(ctx, buildID, token)
		if err != nil || !build.Status.IsTerminal() {
			return false
		}
		final = build
		return true
	}, fmt.Sprintf("build %s to finish", buildID))
	return final, err
}

// WaitForWorkersOnline waits for the controller to report a number of
// online workers.
func (w *Waiter) WaitForWorkersOnline(ctx context.Context, c *client.Client, count int) error {
	return w.WaitFor(ctx, func() bool {
		stats, err := c.Stats(ctx)
		return err == nil && stats.Workers.Online == count
	}, fmt.Sprintf("%d workers to be online", count))
}

// WaitForQueueDrained waits until no builds are pending or held.
func (w *Waiter) WaitForQueueDrained(ctx context.Context, c *client.Client) error {
	return w.WaitFor(ctx, func() bool {
		health, err := c.Health(ctx)
		return err == nil && health.Queue.Pending == 0 && health.Queue.Active == 0
	}, "build queue to drain")
}
