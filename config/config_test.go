package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Sample(t *testing.T) {
	t.Setenv("CONFIG_PATH", "config.yaml")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Relay.EvictionGraceOr(0))
	assert.Equal(t, 3*time.Second, cfg.Relay.TypingTimeoutOr(0))
	assert.Equal(t, 10, cfg.Relay.RateLimits.MessagesPerMinute)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "http:\n  addr: \":1\"\ngrpc:\n  addr: \":2\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "collab-relay", cfg.Logging.Service)
	assert.Equal(t, "dev", cfg.Logging.Env)
	assert.Equal(t, "std", cfg.Logging.Backend)
	assert.Equal(t, RateLimits{MessagesPerMinute: 10, CounterPerMinute: 30, TypingPerMinute: 60}, cfg.Relay.RateLimits)
	assert.Equal(t, time.Minute, cfg.Relay.SweepIntervalOr(time.Minute))
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "grpc:\n  addr: \":2\"\n"))
	assert.ErrorContains(t, err, "http.addr")

	_, err = Load(writeConfig(t, "http:\n  addr: \":1\"\ngrpc:\n  addr: \":2\"\nrelay:\n  typingTimeout: soon\n"))
	assert.ErrorContains(t, err, "relay.typingTimeout")

	_, err = Load(writeConfig(t, "http: ["))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
