package e2e

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/foundrymesh/foundry/pkg/types"
	"github.com/foundrymesh/foundry/test/framework"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestConcurrentBuildLoad pushes a burst of builds through a
// three-agent mesh: every build must complete exactly once, with its
// own artifact, no matter which agent picked it up.
func TestConcurrentBuildLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	const numBuilds = 20

	config := framework.DefaultMeshConfig()
	config.NumAgents = 3

	mesh, err := framework.NewMesh(config)
	require.NoError(t, err)
	defer func() { _ = mesh.Cleanup() }()

	require.NoError(t, mesh.Start())
	defer func() { _ = mesh.Stop() }()

	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	// Burst the submissions in parallel so claims race for real.
	sources := make([][]byte, numBuilds)
	ids := make([]string, numBuilds)

	var g errgroup.Group
	for i := 0; i < numBuilds; i++ {
		i := i
		g.Go(func() error {
			platform := "ios"
			if i%2 == 1 {
				platform = "android"
			}

			source, err := framework.SampleSource(fmt.Sprintf("load-%02d", i))
			if err != nil {
				return err
			}

			submitted, err := mesh.Admin.SubmitBuild(ctx, platform, bytes.NewReader(source), nil)
			if err != nil {
				return err
			}

			sources[i] = source
			ids[i] = submitted.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, waiter.WaitForQueueDrained(ctx, mesh.Admin))

	stats, err := mesh.Admin.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, numBuilds, stats.Builds[string(types.BuildCompleted)])
	require.Zero(t, stats.Builds[string(types.BuildFailed)])
	require.Equal(t, 3, stats.Workers.Registered)

	byWorker := map[string]int{}
	for i, id := range ids {
		build, err := mesh.Admin.BuildStatus(ctx, id, "")
		require.NoError(t, err)
		require.Equal(t, types.BuildCompleted, build.Status, "build %s", id)
		require.NotEmpty(t, build.WorkerID, "build %s has no worker", id)
		byWorker[build.WorkerID]++

		// Spot-check artifacts: each must match its own source, not
		// some other build's.
		if i%5 == 0 {
			rc, _, err := mesh.Admin.DownloadResult(ctx, id, "")
			require.NoError(t, err)
			artifact, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			require.Equal(t, sources[i], artifact, "artifact mismatch for build %s", id)
		}
	}

	total := 0
	for _, n := range byWorker {
		total += n
	}
	require.Equal(t, numBuilds, total)

	t.Logf("Completed %d builds across %d workers: %v", numBuilds, len(byWorker), byWorker)
}
