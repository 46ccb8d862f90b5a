package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// DefaultPort is the controller HTTP listen port
	DefaultPort = 8080

	// DefaultStorageRoot is where build artifacts are stored
	DefaultStorageRoot = "./data/storage"

	// DefaultDatabasePath is the bbolt catalog file
	DefaultDatabasePath = "./data/foundry.db"

	// DefaultWorkerTokenTTL is how long a worker access token stays valid
	DefaultWorkerTokenTTL = 90 * time.Second

	// DefaultHeartbeatTimeout is how long a build may go without a
	// heartbeat before it is requeued
	DefaultHeartbeatTimeout = 120 * time.Second

	// DefaultSweepInterval is how often the liveness monitor scans
	DefaultSweepInterval = 5 * time.Second

	// DefaultMaxSourceBytes caps source archive uploads (500 MiB)
	DefaultMaxSourceBytes = 500 << 20

	// DefaultMaxCertsBytes caps certificate bundle uploads (50 MiB)
	DefaultMaxCertsBytes = 50 << 20

	// DefaultMaxResultBytes caps build result uploads (2 GiB)
	DefaultMaxResultBytes = 2 << 30

	// MinAPIKeyLength is the minimum accepted admin API key length
	MinAPIKeyLength = 32
)

// Config holds controller configuration loaded from the environment.
type Config struct {
	// APIKey is the admin API key. Required, at least 32 characters.
	APIKey string

	// Port is the HTTP listen port. 0 binds an ephemeral port.
	Port int

	// StorageRoot is the artifact storage root directory.
	StorageRoot string

	// DatabasePath is the bbolt database file path.
	DatabasePath string

	// WorkerTokenTTL is the rotating worker token lifetime.
	WorkerTokenTTL time.Duration

	// HeartbeatTimeout is the build liveness window.
	HeartbeatTimeout time.Duration

	// SweepInterval is the liveness monitor scan period.
	SweepInterval time.Duration

	// MaxSourceBytes caps source archive uploads.
	MaxSourceBytes int64

	// MaxCertsBytes caps certificate bundle uploads.
	MaxCertsBytes int64

	// MaxResultBytes caps build result uploads.
	MaxResultBytes int64
}

// Default returns a Config populated with default values. The API key
// has no default and must be provided.
func Default() Config {
	return Config{
		Port:             DefaultPort,
		StorageRoot:      DefaultStorageRoot,
		DatabasePath:     DefaultDatabasePath,
		WorkerTokenTTL:   DefaultWorkerTokenTTL,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		SweepInterval:    DefaultSweepInterval,
		MaxSourceBytes:   DefaultMaxSourceBytes,
		MaxCertsBytes:    DefaultMaxCertsBytes,
		MaxResultBytes:   DefaultMaxResultBytes,
	}
}

// Load builds a Config from the environment, falling back to defaults
// for everything except CONTROLLER_API_KEY. Unparseable values fail;
// Validate runs separately so callers can layer flag overrides on top
// before checking the result.
func Load() (Config, error) {
	cfg := Default()
	cfg.APIKey = os.Getenv("CONTROLLER_API_KEY")

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabasePath = v
	}
	if cfg.WorkerTokenTTL, err = envSeconds("WORKER_TOKEN_TTL_SECONDS", cfg.WorkerTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatTimeout, err = envSeconds("BUILD_HEARTBEAT_TIMEOUT_SECONDS", cfg.HeartbeatTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxSourceBytes, err = envInt64("MAX_SOURCE_BYTES", cfg.MaxSourceBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxCertsBytes, err = envInt64("MAX_CERTS_BYTES", cfg.MaxCertsBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxResultBytes, err = envInt64("MAX_RESULT_BYTES", cfg.MaxResultBytes); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("CONTROLLER_API_KEY is required")
	}
	if len(c.APIKey) < MinAPIKeyLength {
		return fmt.Errorf("CONTROLLER_API_KEY must be at least %d characters, got %d", MinAPIKeyLength, len(c.APIKey))
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage root must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.WorkerTokenTTL <= 0 {
		return fmt.Errorf("worker token TTL must be positive, got %s", c.WorkerTokenTTL)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxSourceBytes <= 0 || c.MaxCertsBytes <= 0 || c.MaxResultBytes <= 0 {
		return fmt.Errorf("upload limits must be positive")
	}
	return nil
}

// ListenAddr returns the HTTP listen address for the configured port.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %d", key, n)
	}
	return time.Duration(n) * time.Second, nil
}
