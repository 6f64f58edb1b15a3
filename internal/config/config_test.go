package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithOverrides_Defaults(t *testing.T) {
	cfg, err := LoadWithOverrides(LoadOptions{
		TargetAddr: "10.0.0.5:3389",
	})
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:3389", cfg.Relay.ListenAddr)
	require.Equal(t, "10.0.0.5:3389", cfg.Relay.TargetAddr)
	require.Equal(t, 200*time.Millisecond, cfg.Relay.HookBudget)
	require.Equal(t, 1600, cfg.Relay.VCChunkSize)
	require.True(t, cfg.Recording.Enabled)
	require.Equal(t, "recordings", cfg.Recording.Dir)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithOverrides_MissingTarget(t *testing.T) {
	_, err := LoadWithOverrides(LoadOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "target address")
}

func TestLoadWithOverrides_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_TARGET_ADDR", "192.168.1.10:3389")
	t.Setenv("RELAY_HOOK_BUDGET", "50ms")
	t.Setenv("RELAY_RECORDING_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "192.168.1.10:3389", cfg.Relay.TargetAddr)
	require.Equal(t, 50*time.Millisecond, cfg.Relay.HookBudget)
	require.False(t, cfg.Recording.Enabled)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithOverrides_FlagsBeatEnv(t *testing.T) {
	t.Setenv("RELAY_TARGET_ADDR", "192.168.1.10:3389")

	cfg, err := LoadWithOverrides(LoadOptions{TargetAddr: "172.16.0.1:3390"})
	require.NoError(t, err)

	require.Equal(t, "172.16.0.1:3390", cfg.Relay.TargetAddr)
}

func TestLoadWithOverrides_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yml")

	content := `
relay:
  listenAddr: "127.0.0.1:13389"
  targetAddr: "10.1.2.3:3389"
intercept:
  replaceUsername: "administrator"
  payload: "whoami"
  payloadDelay: 3s
logging:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadWithOverrides(LoadOptions{ConfigFile: path})
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:13389", cfg.Relay.ListenAddr)
	require.Equal(t, "10.1.2.3:3389", cfg.Relay.TargetAddr)
	require.Equal(t, "administrator", cfg.Intercept.ReplaceUsername)
	require.Equal(t, "whoami", cfg.Intercept.Payload)
	require.Equal(t, 3*time.Second, cfg.Intercept.PayloadDelay)
	require.Equal(t, "warn", cfg.Logging.Level)

	// Defaults survive for everything the file does not mention.
	require.Equal(t, 100, cfg.Relay.MaxSessions)
}

func TestLoadWithOverrides_EnvBeatsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  targetAddr: \"10.1.2.3:3389\"\n"), 0o600))

	t.Setenv("RELAY_TARGET_ADDR", "10.9.9.9:3389")

	cfg, err := LoadWithOverrides(LoadOptions{ConfigFile: path})
	require.NoError(t, err)
	require.Equal(t, "10.9.9.9:3389", cfg.Relay.TargetAddr)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := defaults()
		cfg.Relay.TargetAddr = "10.0.0.5:3389"
		return cfg
	}

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.Relay.ListenAddr = "no-port" },
			wantErr: "listen address",
		},
		{
			name:    "missing cert file",
			mutate:  func(c *Config) { c.Security.CertFile = "/does/not/exist.pem" },
			wantErr: "certificate file",
		},
		{
			name:    "zero max sessions",
			mutate:  func(c *Config) { c.Relay.MaxSessions = 0 },
			wantErr: "max sessions",
		},
		{
			name:    "zero hook budget",
			mutate:  func(c *Config) { c.Relay.HookBudget = 0 },
			wantErr: "hook budget",
		},
		{
			name:    "tiny chunk size",
			mutate:  func(c *Config) { c.Relay.VCChunkSize = 4 },
			wantErr: "chunk size",
		},
		{
			name: "recording enabled without dir",
			mutate: func(c *Config) {
				c.Recording.Enabled = true
				c.Recording.Dir = ""
			},
			wantErr: "recording directory",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "log level",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)

			err := cfg.Validate()

			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
