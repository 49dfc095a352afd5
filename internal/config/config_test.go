package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "mongo" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "single instance",
			mutate:  func(c *Config) { c.Switch.Instances = c.Switch.Instances[:1] },
			wantErr: "exactly two instances",
		},
		{
			name:    "duplicate colors",
			mutate:  func(c *Config) { c.Switch.Instances[1].Color = "blue" },
			wantErr: "duplicate color",
		},
		{
			name:    "initial active not configured",
			mutate:  func(c *Config) { c.Switch.InitialActive = "red" },
			wantErr: "initial_active",
		},
		{
			name:    "unknown cutover policy",
			mutate:  func(c *Config) { c.Switch.CutoverPolicy = "interleave" },
			wantErr: "cutover_policy",
		},
		{
			name:    "negative drain timeout",
			mutate:  func(c *Config) { c.Switch.DrainTimeout = -time.Second },
			wantErr: "drain_timeout",
		},
		{
			name: "upstream file without path",
			mutate: func(c *Config) {
				c.Switch.UpstreamFile.Enabled = true
			},
			wantErr: "upstream_file.path",
		},
		{
			name:    "unknown probe protocol",
			mutate:  func(c *Config) { c.HealthCheck.Protocol = "tcp" },
			wantErr: "health_check.protocol",
		},
		{
			name:    "same listen and admin port",
			mutate:  func(c *Config) { c.Switch.AdminPort = c.Switch.ListenPort },
			wantErr: "must differ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
switch:
  initial_active: green
  cutover_policy: queue
  drain_timeout: 45s
  instances:
    - color: blue
      address: http://10.0.0.1:8000
    - color: green
      address: http://10.0.0.2:8000
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "green", cfg.Switch.InitialActive)
	assert.Equal(t, "queue", cfg.Switch.CutoverPolicy)
	assert.Equal(t, 45*time.Second, cfg.Switch.DrainTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Storage.Driver, "unset sections keep defaults")
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv("BG_STORAGE_DRIVER", "bolt")
	t.Setenv("BG_ACTIVE_COLOR", "green")
	t.Setenv("BG_INSTANCES", "blue=http://a:8000,green=http://b:8000=/ready")
	t.Setenv("BG_DRAIN_TIMEOUT", "2m")

	cfg := DefaultConfig()
	ApplyEnvironment(cfg)

	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, "green", cfg.Switch.InitialActive)
	assert.Equal(t, 2*time.Minute, cfg.Switch.DrainTimeout)
	require.Len(t, cfg.Switch.Instances, 2)
	assert.Equal(t, "/readiness", cfg.Switch.Instances[0].HealthPath)
	assert.Equal(t, "/ready", cfg.Switch.Instances[1].HealthPath)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Switch.CutoverPolicy = "queue"

	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "queue", loaded.Switch.CutoverPolicy)
}
