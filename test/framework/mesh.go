package framework

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foundrymesh/foundry/pkg/agent"
	"github.com/foundrymesh/foundry/pkg/client"
	"github.com/foundrymesh/foundry/pkg/config"
	"github.com/foundrymesh/foundry/pkg/controller"
)

// MeshConfig describes the test mesh: one in-process controller plus a
// number of in-process agents polling it.
type MeshConfig struct {
	NumAgents int

	// APIKey is the controller admin key. Must be at least 32 chars.
	APIKey string

	// BuildCommand is the default command agents run per job.
	BuildCommand string

	// DataDir holds the catalog, the artifact store, and agent
	// workspaces. Created (and removed by Cleanup) when empty.
	DataDir       string
	KeepOnFailure bool

	// Controller timing.
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration

	// Agent timing.
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// DefaultMeshConfig returns a config tuned for fast in-process tests:
// tight poll and sweep intervals, and a build command that copies the
// source archive straight to the output artifact.
func DefaultMeshConfig() *MeshConfig {
	dataDir := os.Getenv("FOUNDRY_TEST_DATA_DIR")

	return &MeshConfig{
		NumAgents:         1,
		APIKey:            "e2e-admin-key-0123456789abcdef01",
		BuildCommand:      `cp "$FOUNDRY_SOURCE" "$FOUNDRY_OUTPUT"`,
		DataDir:           dataDir,
		HeartbeatTimeout:  2 * time.Second,
		SweepInterval:     50 * time.Millisecond,
		PollInterval:      25 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
	}
}

// Mesh is a running test mesh. Admin is an admin-scoped client bound
// to the controller; Anonymous() builds unauthenticated clients for
// owner-token calls.
type Mesh struct {
	Config *MeshConfig
	Admin  *client.Client
	Agents []*AgentHandle

	cfg config.Config
	url string

	ctrlCancel context.CancelFunc
	ctrlDone   chan error
}

// AgentHandle tracks one in-process agent.
type AgentHandle struct {
	Name string

	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

// NewMesh creates a mesh from the given configuration.
func NewMesh(meshConfig *MeshConfig) (*Mesh, error) {
	if meshConfig == nil {
		meshConfig = DefaultMeshConfig()
	}
	if meshConfig.DataDir == "" {
		dir, err := os.MkdirTemp("", "foundry-mesh-")
		if err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		meshConfig.DataDir = dir
	}

	cfg := config.Default()
	cfg.APIKey = meshConfig.APIKey
	cfg.Port = 0
	cfg.DatabasePath = filepath.Join(meshConfig.DataDir, "catalog.db")
	cfg.StorageRoot = filepath.Join(meshConfig.DataDir, "storage")
	if meshConfig.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = meshConfig.HeartbeatTimeout
	}
	if meshConfig.SweepInterval > 0 {
		cfg.SweepInterval = meshConfig.SweepInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mesh config: %w", err)
	}

	return &Mesh{Config: meshConfig, cfg: cfg}, nil
}

// Start brings up the controller, waits for readiness, then starts the
// configured number of agents and waits for them to register.
func (m *Mesh) Start() error {
	if err := m.startController(); err != nil {
		return err
	}

	for i := 0; i < m.Config.NumAgents; i++ {
		if _, err := m.StartAgent(fmt.Sprintf("agent-%d", i+1)); err != nil {
			return fmt.Errorf("failed to start agent-%d: %w", i+1, err)
		}
	}

	if m.Config.NumAgents > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := DefaultWaiter().WaitForWorkersOnline(ctx, m.Admin, m.Config.NumAgents); err != nil {
			return err
		}
	}

	return nil
}

// Stop stops the agents, then the controller.
func (m *Mesh) Stop() error {
	for _, h := range m.Agents {
		if err := h.stop(); err != nil {
			return fmt.Errorf("failed to stop agent %s: %w", h.Name, err)
		}
	}

	return m.stopController()
}

// Cleanup stops everything and removes the data directory.
func (m *Mesh) Cleanup() error {
	if err := m.Stop(); err != nil {
		fmt.Printf("Warning: error during stop: %v\n", err)
	}

	if !m.Config.KeepOnFailure {
		if err := os.RemoveAll(m.Config.DataDir); err != nil {
			return fmt.Errorf("failed to remove data dir: %w", err)
		}
	}

	return nil
}

// URL returns the controller base URL.
func (m *Mesh) URL() string {
	return m.url
}

// Anonymous returns a client with no admin key, for owner-token and
// public calls.
func (m *Mesh) Anonymous() *client.Client {
	return client.NewClient(m.url, "")
}

// StartAgent starts an agent running the mesh's default build command.
func (m *Mesh) StartAgent(name string) (*AgentHandle, error) {
	return m.StartAgentWithCommand(name, m.Config.BuildCommand)
}

// StartAgentWithCommand starts an agent with its own build command.
func (m *Mesh) StartAgentWithCommand(name, buildCommand string) (*AgentHandle, error) {
	if m.url == "" {
		return nil, fmt.Errorf("mesh is not started")
	}

	a, err := agent.New(agent.Config{
		ControllerURL:     m.url,
		APIKey:            m.Config.APIKey,
		Name:              name,
		BuildCommand:      buildCommand,
		WorkDir:           filepath.Join(m.Config.DataDir, name),
		PollInterval:      m.Config.PollInterval,
		HeartbeatInterval: m.Config.HeartbeatInterval,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &AgentHandle{
		Name:   name,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		handle.done <- a.Run(ctx)
	}()

	m.Agents = append(m.Agents, handle)
	return handle, nil
}

// KillAgent cancels an agent mid-flight, simulating a worker crash.
// Any build command it is running dies with it and nothing is
// reported, so a held build goes silent until the controller's
// liveness monitor requeues it.
func (m *Mesh) KillAgent(name string) error {
	for _, h := range m.Agents {
		if h.Name == name {
			return h.stop()
		}
	}
	return fmt.Errorf("agent %s not found", name)
}

// RestartController stops the controller and starts a fresh one on the
// same data directory, as after a crash. The listen address changes:
// Admin is rebuilt, and agents started before the restart keep polling
// the dead address, so restart them too.
func (m *Mesh) RestartController() error {
	if err := m.stopController(); err != nil {
		return fmt.Errorf("failed to stop controller: %w", err)
	}
	return m.startController()
}

func (m *Mesh) startController() error {
	ctrl, err := controller.New(m.cfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.ctrlCancel = cancel
	m.ctrlDone = make(chan error, 1)
	go func() {
		m.ctrlDone <- ctrl.Run(ctx)
	}()

	waiter := NewWaiter(10*time.Second, 25*time.Millisecond)
	err = waiter.WaitFor(ctx, func() bool {
		addr := ctrl.Addr()
		if addr == "" {
			return false
		}
		resp, err := http.Get("http://" + addr + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "controller to become ready")
	if err != nil {
		cancel()
		<-m.ctrlDone
		m.ctrlCancel = nil
		return err
	}

	m.url = "http://" + ctrl.Addr()
	m.Admin = client.NewClient(m.url, m.Config.APIKey)
	return nil
}

func (m *Mesh) stopController() error {
	if m.ctrlCancel == nil {
		return nil
	}
	m.ctrlCancel()
	m.ctrlCancel = nil

	select {
	case err := <-m.ctrlDone:
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("controller did not stop within 30s")
	}
}

// stop cancels the agent and waits for its run loop to exit. A clean
// cancellation is not an error.
func (h *AgentHandle) stop() error {
	h.once.Do(func() {
		h.cancel()
		select {
		case err := <-h.done:
			if err != nil && err != context.Canceled {
				h.err = err
			}
		case <-time.After(10 * time.Second):
			h.err = fmt.Errorf("agent %s did not stop within 10s", h.Name)
		}
	})
	return h.err
}
