package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/foundrymesh/foundry/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status BUILD_ID",
	Short: "Show a build's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		build, err := c.BuildStatus(context.Background(), args[0], buildToken(cmd))
		if err != nil {
			return fmt.Errorf("failed to fetch build: %v", err)
		}

		fmt.Printf("Build: %s\n", build.ID)
		fmt.Printf("  Platform: %s\n", build.Platform)
		fmt.Printf("  Status: %s\n", build.Status)
		if build.WorkerID != "" {
			fmt.Printf("  Worker: %s\n", build.WorkerID)
		}
		fmt.Printf("  Submitted: %s\n", build.SubmittedAt.Format(time.RFC3339))
		if build.AssignedAt != nil {
			fmt.Printf("  Assigned: %s\n", build.AssignedAt.Format(time.RFC3339))
		}
		if build.StartedAt != nil {
			fmt.Printf("  Started: %s\n", build.StartedAt.Format(time.RFC3339))
		}
		if build.CompletedAt != nil {
			fmt.Printf("  Completed: %s\n", build.CompletedAt.Format(time.RFC3339))
			fmt.Printf("  Duration: %s\n", build.CompletedAt.Sub(build.SubmittedAt).Round(time.Second))
		}
		if build.ErrorMessage != "" {
			fmt.Printf("  Error: %s\n", build.ErrorMessage)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs BUILD_ID",
	Short: "Print a build's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		entries, err := c.BuildLogs(context.Background(), args[0], buildToken(cmd))
		if err != nil {
			return fmt.Errorf("failed to fetch logs: %v", err)
		}

		for _, entry := range entries {
			fmt.Printf("%s  %-5s  %s\n",
				entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Level, entry.Message)
		}
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download BUILD_ID",
	Short: "Download a build's result artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buildID := args[0]
		token := buildToken(cmd)
		output, _ := cmd.Flags().GetString("output")

		c := newAPIClient(cmd)
		if output == "" {
			build, err := c.BuildStatus(context.Background(), buildID, token)
			if err != nil {
				return fmt.Errorf("failed to fetch build: %v", err)
			}
			output = buildID + artifactExt(build.Platform)
		}

		rc, _, err := c.DownloadResult(context.Background(), buildID, token)
		if err != nil {
			return fmt.Errorf("failed to download result: %v", err)
		}
		defer rc.Close()

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %v", err)
		}

		n, err := io.Copy(f, rc)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to write artifact: %v", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write artifact: %v", err)
		}

		fmt.Printf("✓ Artifact written: %s (%d bytes)\n", output, n)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel BUILD_ID",
	Short: "Cancel a build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		build, err := c.CancelBuild(context.Background(), args[0], buildToken(cmd))
		if err != nil {
			return fmt.Errorf("failed to cancel build: %v", err)
		}

		fmt.Printf("✓ Build cancelled: %s\n", build.ID)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry BUILD_ID",
	Short: "Retry a failed build",
	Long: `Resubmit a failed build's inputs as a new build.

The new build gets its own ID, its own access token, and a fresh place
at the end of the queue.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		result, err := c.RetryBuild(context.Background(), args[0], buildToken(cmd))
		if err != nil {
			return fmt.Errorf("failed to retry build: %v", err)
		}

		fmt.Printf("✓ Build resubmitted: %s\n", result.ID)
		fmt.Printf("  Status: %s\n", result.Status)
		fmt.Printf("  Access token: %s\n", result.AccessToken)
		return nil
	},
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "List builds currently held by workers (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		builds, err := c.ActiveBuilds(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list active builds: %v", err)
		}

		if len(builds) == 0 {
			fmt.Println("No active builds")
			return nil
		}

		fmt.Printf("%-26s %-9s %-9s %-38s %s\n", "BUILD", "PLATFORM", "STATUS", "WORKER", "HEARTBEAT")
		for _, b := range builds {
			heartbeat := "-"
			if b.LastHeartbeatAt != nil {
				heartbeat = time.Since(*b.LastHeartbeatAt).Round(time.Second).String() + " ago"
			}
			fmt.Printf("%-26s %-9s %-9s %-38s %s\n", b.ID, b.Platform, b.Status, b.WorkerID, heartbeat)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show controller counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		stats, err := c.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("failed to fetch stats: %v", err)
		}

		fmt.Println("Builds:")
		for _, status := range []types.BuildStatus{
			types.BuildPending, types.BuildAssigned, types.BuildBuilding,
			types.BuildCompleted, types.BuildFailed,
		} {
			fmt.Printf("  %-10s %d\n", status, stats.Builds[string(status)])
		}
		fmt.Println("Workers:")
		fmt.Printf("  %-10s %d\n", "registered", stats.Workers.Registered)
		fmt.Printf("  %-10s %d\n", "online", stats.Workers.Online)
		fmt.Printf("  %-10s %d\n", "building", stats.Workers.Building)
		fmt.Printf("Uptime: %s\n", (time.Duration(stats.UptimeSeconds) * time.Second).String())
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List journal events (admin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetUint64("after")
		limit, _ := cmd.Flags().GetInt("limit")

		c := newAPIClient(cmd)
		entries, err := c.Events(context.Background(), after, limit)
		if err != nil {
			return fmt.Errorf("failed to fetch events: %v", err)
		}

		for _, e := range entries {
			line := fmt.Sprintf("%6d  %s  %-18s", e.Sequence, e.Timestamp.Format("15:04:05"), e.Type)
			if e.BuildID != "" {
				line += "  build=" + e.BuildID
			}
			if e.WorkerID != "" {
				line += "  worker=" + e.WorkerID
			}
			if e.Message != "" {
				line += "  " + e.Message
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{
		statusCmd, logsCmd, downloadCmd, cancelCmd, retryCmd,
		activeCmd, statsCmd, eventsCmd,
	} {
		addClientFlags(cmd)
		rootCmd.AddCommand(cmd)
	}

	statusCmd.Flags().String("token", "", "Build access token (admin key used when empty)")
	logsCmd.Flags().String("token", "", "Build access token (admin key used when empty)")
	downloadCmd.Flags().String("token", "", "Build access token (admin key used when empty)")
	cancelCmd.Flags().String("token", "", "Build access token (admin key used when empty)")
	retryCmd.Flags().String("token", "", "Build access token (admin key used when empty)")
	downloadCmd.Flags().StringP("output", "o", "", "Output file (defaults to BUILD_ID plus platform extension)")
	eventsCmd.Flags().Uint64("after", 0, "Return events with sequence greater than this")
	eventsCmd.Flags().Int("limit", 50, "Maximum events to return")
}

func buildToken(cmd *cobra.Command) string {
	token, _ := cmd.Flags().GetString("token")
	return token
}

func artifactExt(platform types.Platform) string {
	switch platform {
	case types.PlatformIOS:
		return ".ipa"
	case types.PlatformAndroid:
		return ".apk"
	default:
		return ".bin"
	}
}
