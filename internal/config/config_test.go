package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
	assert.False(t, cfg.Echo)
	assert.True(t, cfg.Console)
	assert.Equal(t, 20*time.Millisecond, cfg.PollInterval)
	assert.Zero(t, cfg.HandshakeTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 0.0.0.0
port: 9000
admin_addr: ":9001"
log_level: debug
echo: true
poll_interval: 10ms
handshake_timeout: 30s
allowed_origins:
  - http://dashboard.example
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, uint16(9000), cfg.Port)
	assert.Equal(t, ":9001", cfg.AdminAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Echo)
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, []string{"http://dashboard.example"}, cfg.AllowedOrigins)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultMailboxSize, cfg.MailboxSize)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [1, 2"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"SYNCD_HOST":              "localhost",
		"SYNCD_PORT":              "7000",
		"SYNCD_ADMIN_ADDR":        "localhost:7001",
		"SYNCD_LOG_LEVEL":         "warn",
		"SYNCD_ECHO":              "true",
		"SYNCD_CONSOLE":           "false",
		"SYNCD_HANDSHAKE_TIMEOUT": "2s",
	}))
	require.NoError(t, err)
	assert.Equal(t, "localhost:7000", cfg.ListenAddr())
	assert.Equal(t, "localhost:7001", cfg.AdminAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.Echo)
	assert.False(t, cfg.Console)
	assert.Equal(t, 2*time.Second, cfg.HandshakeTimeout)

	for _, bad := range []map[string]string{
		{"SYNCD_PORT": "70000"},
		{"SYNCD_PORT": "x"},
		{"SYNCD_ECHO": "maybe"},
		{"SYNCD_CONSOLE": "maybe"},
		{"SYNCD_HANDSHAKE_TIMEOUT": "soon"},
	} {
		cfg := Default()
		assert.Error(t, cfg.ApplyEnv(env(bad)), "%v", bad)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Host = "" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"slow poll interval", func(c *Config) { c.PollInterval = time.Second }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative handshake timeout", func(c *Config) { c.HandshakeTimeout = -time.Second }},
		{"tiny frames", func(c *Config) { c.MaxFrameSize = 10 }},
		{"zero mailbox", func(c *Config) { c.MailboxSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("port zero is allowed", func(t *testing.T) {
		cfg := Default()
		cfg.Port = 0
		assert.NoError(t, cfg.Validate())
	})
}
