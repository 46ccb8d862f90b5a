package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "0123456789abcdef0123456789abcdef"

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./data/storage", cfg.StorageRoot)
	assert.Equal(t, "./data/foundry.db", cfg.DatabasePath)
	assert.Equal(t, 90*time.Second, cfg.WorkerTokenTTL)
	assert.Equal(t, 120*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(500<<20), cfg.MaxSourceBytes)
	assert.Equal(t, int64(50<<20), cfg.MaxCertsBytes)
	assert.Equal(t, int64(2<<30), cfg.MaxResultBytes)
	assert.Empty(t, cfg.APIKey)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONTROLLER_API_KEY", testAPIKey)
	t.Setenv("PORT", "9000")
	t.Setenv("STORAGE_ROOT", "/var/lib/foundry/storage")
	t.Setenv("DATABASE_URL", "/var/lib/foundry/foundry.db")
	t.Setenv("WORKER_TOKEN_TTL_SECONDS", "45")
	t.Setenv("BUILD_HEARTBEAT_TIMEOUT_SECONDS", "60")
	t.Setenv("MAX_SOURCE_BYTES", "1048576")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, testAPIKey, cfg.APIKey)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/var/lib/foundry/storage", cfg.StorageRoot)
	assert.Equal(t, "/var/lib/foundry/foundry.db", cfg.DatabasePath)
	assert.Equal(t, 45*time.Second, cfg.WorkerTokenTTL)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, int64(1048576), cfg.MaxSourceBytes)
	// Untouched values keep defaults.
	assert.Equal(t, int64(50<<20), cfg.MaxCertsBytes)
	assert.Equal(t, int64(2<<30), cfg.MaxResultBytes)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONTROLLER_API_KEY", testAPIKey)

	cfg, err := Load()
	require.NoError(t, err)

	want := Default()
	want.APIKey = testAPIKey
	assert.Equal(t, want, cfg)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "non-numeric port", key: "PORT", value: "eighty"},
		{name: "non-numeric ttl", key: "WORKER_TOKEN_TTL_SECONDS", value: "soon"},
		{name: "negative ttl", key: "WORKER_TOKEN_TTL_SECONDS", value: "-5"},
		{name: "zero heartbeat timeout", key: "BUILD_HEARTBEAT_TIMEOUT_SECONDS", value: "0"},
		{name: "non-numeric source cap", key: "MAX_SOURCE_BYTES", value: "big"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONTROLLER_API_KEY", testAPIKey)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.APIKey = testAPIKey

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.APIKey = "" },
			wantErr: "CONTROLLER_API_KEY is required",
		},
		{
			name:    "short api key",
			mutate:  func(c *Config) { c.APIKey = "too-short" },
			wantErr: "at least 32 characters",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: "invalid port",
		},
		{
			name:    "negative port",
			mutate:  func(c *Config) { c.Port = -1 },
			wantErr: "invalid port",
		},
		{
			name:   "ephemeral port",
			mutate: func(c *Config) { c.Port = 0 },
		},
		{
			name:    "empty storage root",
			mutate:  func(c *Config) { c.StorageRoot = "" },
			wantErr: "storage root",
		},
		{
			name:    "zero token ttl",
			mutate:  func(c *Config) { c.WorkerTokenTTL = 0 },
			wantErr: "token TTL",
		},
		{
			name:    "negative heartbeat timeout",
			mutate:  func(c *Config) { c.HeartbeatTimeout = -time.Second },
			wantErr: "heartbeat timeout",
		},
		{
			name:    "zero result cap",
			mutate:  func(c *Config) { c.MaxResultBytes = 0 },
			wantErr: "upload limits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAPIKeyExactly32(t *testing.T) {
	cfg := Default()
	cfg.APIKey = strings.Repeat("k", 32)
	assert.NoError(t, cfg.Validate())

	cfg.APIKey = strings.Repeat("k", 31)
	assert.Error(t, cfg.Validate())
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.ListenAddr())

	cfg.Port = 9443
	assert.Equal(t, ":9443", cfg.ListenAddr())
}
