package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/foundrymesh/foundry/pkg/agent"
	"github.com/foundrymesh/foundry/pkg/client"
	"github.com/foundrymesh/foundry/pkg/config"
	"github.com/foundrymesh/foundry/pkg/controller"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Foundry - Distributed build mesh for mobile apps",
	Long: `Foundry coordinates a fleet of build workers from a single controller:
submitters upload source archives, workers poll for jobs, and finished
artifacts stream back through the controller.

One binary runs every role: the controller, a worker agent, and the
submission CLI.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foundry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(workerCmd)
}

// Server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Foundry controller",
	Long: `Run the Foundry controller: the HTTP API, the build catalog, the
dispatch engine, and the liveness monitor in a single process.

Configuration comes from environment variables (CONTROLLER_API_KEY,
PORT, STORAGE_ROOT, DATABASE_URL, ...); flags override the environment
when set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.FromEnv())

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		if cmd.Flags().Changed("port") {
			cfg.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("api-key") {
			cfg.APIKey, _ = cmd.Flags().GetString("api-key")
		}
		if cmd.Flags().Changed("storage-root") {
			cfg.StorageRoot, _ = cmd.Flags().GetString("storage-root")
		}
		if cmd.Flags().Changed("database") {
			cfg.DatabasePath, _ = cmd.Flags().GetString("database")
		}
		if cmd.Flags().Changed("token-ttl") {
			cfg.WorkerTokenTTL, _ = cmd.Flags().GetDuration("token-ttl")
		}
		if cmd.Flags().Changed("heartbeat-timeout") {
			cfg.HeartbeatTimeout, _ = cmd.Flags().GetDuration("heartbeat-timeout")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		metrics.SetVersion(Version)

		ctrl, err := controller.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create controller: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return ctrl.Run(ctx)
	},
}

// Agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a build worker agent",
	Long: `Run a worker agent against a Foundry controller.

The agent registers, polls for jobs, downloads the source archive, and
runs the configured build command with the job described in FOUNDRY_*
environment variables. The command must write its artifact to the path
in FOUNDRY_OUTPUT.

Example:
  foundry agent --server http://controller:8080 --api-key $KEY \
    --name mac-mini-1 --capability platform=ios \
    --build-command './build.sh'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.FromEnv())

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name, _ = os.Hostname()
		}
		buildCommand, _ := cmd.Flags().GetString("build-command")
		workerID, _ := cmd.Flags().GetString("worker-id")
		workDir, _ := cmd.Flags().GetString("workdir")
		pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
		heartbeatInterval, _ := cmd.Flags().GetDuration("heartbeat-interval")
		capabilityList, _ := cmd.Flags().GetStringSlice("capability")

		capabilities, err := parseCapabilities(capabilityList)
		if err != nil {
			return err
		}

		a, err := agent.New(agent.Config{
			ControllerURL:     clientServer(cmd),
			APIKey:            clientAPIKey(cmd),
			WorkerID:          workerID,
			Name:              name,
			Capabilities:      capabilities,
			BuildCommand:      buildCommand,
			WorkDir:           workDir,
			PollInterval:      pollInterval,
			HeartbeatInterval: heartbeatInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create agent: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().Int("port", config.DefaultPort, "HTTP listen port (0 for ephemeral)")
	serverCmd.Flags().String("api-key", "", "Admin API key (overrides CONTROLLER_API_KEY)")
	serverCmd.Flags().String("storage-root", "", "Artifact storage root directory")
	serverCmd.Flags().String("database", "", "Catalog database file path")
	serverCmd.Flags().Duration("token-ttl", 0, "Worker access token lifetime")
	serverCmd.Flags().Duration("heartbeat-timeout", 0, "Build heartbeat timeout before requeue")

	addClientFlags(agentCmd)
	agentCmd.Flags().String("name", "", "Worker name (defaults to hostname)")
	agentCmd.Flags().String("worker-id", "", "Stable worker ID for re-registration")
	agentCmd.Flags().String("build-command", "", "Shell command that performs the build (required)")
	agentCmd.Flags().String("workdir", "", "Directory for per-build workspaces")
	agentCmd.Flags().Duration("poll-interval", 30*time.Second, "Queue poll interval")
	agentCmd.Flags().Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval while building")
	agentCmd.Flags().StringSlice("capability", nil, "Worker capability as key=value (repeatable)")
	_ = agentCmd.MarkFlagRequired("build-command")
}

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage build workers",
}

var workerRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a worker with the controller",
	Long: `Register a worker and print its credentials.

The access token rotates on every authenticated worker call, so the
printed token is only the first link in the chain. Custom worker
drivers need it to bootstrap; the built-in agent registers itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		id, _ := cmd.Flags().GetString("id")
		capabilityList, _ := cmd.Flags().GetStringSlice("capability")

		capabilities, err := parseCapabilities(capabilityList)
		if err != nil {
			return err
		}

		c := newAPIClient(cmd)
		result, err := c.RegisterWorker(context.Background(), id, name, capabilities)
		if err != nil {
			return fmt.Errorf("failed to register worker: %v", err)
		}

		fmt.Printf("✓ Worker registered: %s\n", result.ID)
		fmt.Printf("  Access token: %s\n", result.AccessToken)
		fmt.Printf("  Expires: %s\n", result.AccessTokenExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerRegisterCmd)

	addClientFlags(workerRegisterCmd)
	workerRegisterCmd.Flags().String("name", "", "Worker name (required)")
	workerRegisterCmd.Flags().String("id", "", "Worker ID (server-assigned when empty)")
	workerRegisterCmd.Flags().StringSlice("capability", nil, "Worker capability as key=value (repeatable)")
	_ = workerRegisterCmd.MarkFlagRequired("name")
}

// addClientFlags registers the controller connection flags shared by
// every command that talks to a running controller.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Controller URL (defaults to FOUNDRY_SERVER or http://localhost:8080)")
	cmd.Flags().String("api-key", "", "Admin API key (defaults to FOUNDRY_API_KEY)")
}

func clientServer(cmd *cobra.Command) string {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = os.Getenv("FOUNDRY_SERVER")
	}
	if server == "" {
		server = "http://localhost:8080"
	}
	return server
}

func clientAPIKey(cmd *cobra.Command) string {
	apiKey, _ := cmd.Flags().GetString("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("FOUNDRY_API_KEY")
	}
	return apiKey
}

func newAPIClient(cmd *cobra.Command) *client.Client {
	return client.NewClient(clientServer(cmd), clientAPIKey(cmd))
}

func parseCapabilities(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	capabilities := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid capability %q: expected key=value", pair)
		}
		capabilities[key] = value
	}
	return capabilities, nil
}
