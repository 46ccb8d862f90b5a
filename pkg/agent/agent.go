package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundrymesh/foundry/pkg/client"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/types"
)

const (
	defaultPollInterval      = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
)

// Config holds agent configuration.
type Config struct {
	ControllerURL string
	APIKey        string

	// WorkerID pins a stable identity across restarts. Empty lets the
	// controller mint one.
	WorkerID     string
	Name         string
	Capabilities map[string]string

	// BuildCommand runs via /bin/sh -c in the per-build workspace with
	// FOUNDRY_BUILD_ID, FOUNDRY_PLATFORM, FOUNDRY_SOURCE, FOUNDRY_CERTS
	// and FOUNDRY_OUTPUT set. It must write its artifact to
	// FOUNDRY_OUTPUT on success.
	BuildCommand string
	WorkDir      string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Agent is a generic build worker: it registers with the controller,
// polls for builds, runs an operator-supplied command per build, and
// reports the outcome.
type Agent struct {
	cfg    Config
	client *client.Client
	logger zerolog.Logger
}

// New creates an agent from the configuration.
func New(cfg Config) (*Agent, error) {
	if cfg.ControllerURL == "" {
		return nil, fmt.Errorf("controller URL is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if cfg.BuildCommand == "" {
		return nil, fmt.Errorf("build command is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "foundry-agent")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &Agent{
		cfg:    cfg,
		client: client.NewClient(cfg.ControllerURL, cfg.APIKey),
		logger: log.WithComponent("agent"),
	}, nil
}

// Run registers the worker and polls for builds until the context is
// cancelled. One build runs at a time.
func (a *Agent) Run(ctx context.Context) error {
	reg, err := a.client.RegisterWorker(ctx, a.cfg.WorkerID, a.cfg.Name, a.cfg.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	a.logger.Info().
		Str("worker_id", reg.ID).
		Str("name", a.cfg.Name).
		Str("status", reg.Status).
		Time("token_expires_at", reg.AccessTokenExpiresAt).
		Msg("worker registered")

	if err := os.MkdirAll(a.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := a.client.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn().Err(err).Msg("poll failed")
		}
		if job != nil {
			a.runJob(ctx, job)
			// Drain the queue before going back to sleep.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runJob executes one assigned build end to end. It never returns an
// error: every outcome is reported to the controller or deliberately
// left for the liveness monitor to requeue.
func (a *Agent) runJob(ctx context.Context, job *client.Job) {
	logger := a.logger.With().Str("build_id", job.ID).Str("platform", string(job.Platform)).Logger()
	logger.Info().Msg("build assigned")

	workspace := filepath.Join(a.cfg.WorkDir, job.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		a.reportFailure(ctx, logger, job.ID, fmt.Sprintf("failed to create workspace: %v", err))
		return
	}
	defer os.RemoveAll(workspace)

	sourcePath := filepath.Join(workspace, "source.zip")
	if err := a.download(ctx, job.ID, sourcePath, a.client.DownloadSource); err != nil {
		a.reportFailure(ctx, logger, job.ID, fmt.Sprintf("failed to fetch source: %v", err))
		return
	}
	certsPath := ""
	if job.CertsURL != nil {
		certsPath = filepath.Join(workspace, "certs.zip")
		if err := a.download(ctx, job.ID, certsPath, a.client.DownloadCerts); err != nil {
			a.reportFailure(ctx, logger, job.ID, fmt.Sprintf("failed to fetch certificates: %v", err))
			return
		}
	}
	outputPath := filepath.Join(workspace, "result"+outputExt(job.Platform))

	// The heartbeat goroutine cancels buildCtx when the controller
	// reports the build cancelled or unknown, killing the command.
	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tornDown atomic.Bool
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		a.heartbeatLoop(buildCtx, cancel, &tornDown, job.ID, logger)
	}()

	runErr := a.runBuildCommand(buildCtx, job, workspace, sourcePath, certsPath, outputPath)

	cancel()
	hbWG.Wait()

	switch {
	case tornDown.Load():
		// The controller already moved the build on; uploading or
		// failing it now would only produce conflicts.
		logger.Warn().Msg("build torn down")
	case ctx.Err() != nil:
		// Agent shutdown mid-build. Stay silent so the liveness
		// monitor requeues the build instead of failing it.
		logger.Warn().Msg("shutdown during build, leaving requeue to the controller")
	case runErr != nil:
		a.reportFailure(ctx, logger, job.ID, fmt.Sprintf("build command failed: %v", runErr))
	default:
		a.uploadResult(ctx, logger, job.ID, outputPath)
	}
}

// heartbeatLoop reports liveness until the build context ends. A
// cancelled or unknown response tears the build down.
func (a *Agent) heartbeatLoop(ctx context.Context, teardown context.CancelFunc, tornDown *atomic.Bool, buildID string, logger zerolog.Logger) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := a.client.Heartbeat(ctx, buildID, nil)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("heartbeat failed")
				}
				continue
			}
			if status != client.HeartbeatOK {
				logger.Warn().Str("status", string(status)).Msg("controller dropped the build, tearing down")
				tornDown.Store(true)
				teardown()
				return
			}
		}
	}
}

// runBuildCommand runs the operator-supplied command and forwards its
// output lines to the build log.
func (a *Agent) runBuildCommand(ctx context.Context, job *client.Job, workspace, sourcePath, certsPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", a.cfg.BuildCommand)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(),
		"FOUNDRY_BUILD_ID="+job.ID,
		"FOUNDRY_PLATFORM="+string(job.Platform),
		"FOUNDRY_SOURCE="+sourcePath,
		"FOUNDRY_CERTS="+certsPath,
		"FOUNDRY_OUTPUT="+outputPath,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var fwWG sync.WaitGroup
	fwWG.Add(2)
	go func() {
		defer fwWG.Done()
		a.forwardOutput(ctx, job.ID, stdout, types.LogInfo)
	}()
	go func() {
		defer fwWG.Done()
		a.forwardOutput(ctx, job.ID, stderr, types.LogError)
	}()
	fwWG.Wait()

	return cmd.Wait()
}

// forwardOutput ships command output lines to the controller as build
// log entries. Forwarding failures never fail the build.
func (a *Agent) forwardOutput(ctx context.Context, buildID string, r io.Reader, level types.LogLevel) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := a.client.AppendLog(ctx, buildID, level, line); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Str("build_id", buildID).Msg("failed to forward build output")
		}
	}
}

func (a *Agent) uploadResult(ctx context.Context, logger zerolog.Logger, buildID, outputPath string) {
	f, err := os.Open(outputPath)
	if err != nil {
		a.reportFailure(ctx, logger, buildID, "build command produced no output artifact")
		return
	}
	defer f.Close()

	uploaded, err := a.client.UploadResult(ctx, buildID, f)
	if err != nil {
		logger.Error().Err(err).Msg("failed to upload result")
		return
	}
	logger.Info().Str("build_status", uploaded.BuildStatus).Msg("build completed")
}

func (a *Agent) reportFailure(ctx context.Context, logger zerolog.Logger, buildID, reason string) {
	logger.Error().Str("reason", reason).Msg("build failed")
	if _, err := a.client.ReportFailure(ctx, buildID, reason); err != nil {
		logger.Error().Err(err).Msg("failed to report build failure")
	}
}

// download streams one artifact to a workspace file.
func (a *Agent) download(ctx context.Context, buildID, dest string, fetch func(context.Context, string) (io.ReadCloser, int64, error)) error {
	rc, _, err := fetch(ctx, buildID)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func outputExt(platform types.Platform) string {
	switch platform {
	case types.PlatformIOS:
		return ".ipa"
	case types.PlatformAndroid:
		return ".apk"
	default:
		return ".bin"
	}
}
