package socketcore

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.QueueDepth)
	assert.Equal(t, 5*time.Second, cfg.AckTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "ping interval", mutate: func(c *Config) { c.PingInterval = 0 }},
		{name: "ping timeout", mutate: func(c *Config) { c.PingTimeout = -time.Second }},
		{name: "max payload", mutate: func(c *Config) { c.MaxPayload = 0 }},
		{name: "write timeout", mutate: func(c *Config) { c.WriteTimeout = 0 }},
		{name: "queue depth", mutate: func(c *Config) { c.QueueDepth = 0 }},
		{name: "ack timeout", mutate: func(c *Config) { c.AckTimeout = 0 }},
		{name: "fanout chunk", mutate: func(c *Config) { c.FanoutChunk = 0 }},
		{name: "fanout workers", mutate: func(c *Config) { c.FanoutWorkers = -1 }},
		{name: "reconnect", mutate: func(c *Config) { c.Reconnect.Multiplier = 0 }},
		{name: "constant reconnect delay", mutate: func(c *Config) { c.Reconnect.Multiplier = 1 }},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := NewServer(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "socketcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue_depth: 32
ack_timeout: 2s
allowed_origins:
  - example.com
reconnect:
  base_delay: 500ms
  max_attempts: 3
log:
  level: debug
  format: console
`), 0o644))

	t.Setenv("SOCKETCORE_FANOUT_WORKERS", "4")
	t.Setenv("SOCKETCORE_RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.QueueDepth)
	assert.Equal(t, 2*time.Second, cfg.AckTimeout)
	assert.Equal(t, []string{"example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 4, cfg.FanoutWorkers)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched keys keep their defaults
	assert.Equal(t, DefaultConfig().PingInterval, cfg.PingInterval)
	assert.Equal(t, DefaultConfig().Reconnect.MaxDelay, cfg.Reconnect.MaxDelay)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().QueueDepth, cfg.QueueDepth)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_depth: -1\n"), 0o644))
	_, err = LoadConfig(path, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "socketcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_depth: 16\n"), 0o644))

	reloaded := make(chan *Config, 8)
	cfg, err := LoadConfig(path, func(c *Config, err error) {
		if err == nil {
			reloaded <- c
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.QueueDepth)

	require.NoError(t, os.WriteFile(path, []byte("queue_depth: 64\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.QueueDepth == 64 {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestUpdateConfig(t *testing.T) {
	srv := newTestServer(t, nil)

	next := DefaultConfig()
	next.AckTimeout = time.Second
	require.NoError(t, srv.UpdateConfig(next))
	assert.Equal(t, time.Second, srv.Config().AckTimeout)

	bad := DefaultConfig()
	bad.FanoutChunk = 0
	assert.ErrorIs(t, srv.UpdateConfig(bad), ErrInvalidConfig)
	assert.Equal(t, time.Second, srv.Config().AckTimeout)
}

func TestCheckOrigin(t *testing.T) {
	open := DefaultConfig().checkOrigin()
	assert.True(t, open(requestFrom("https://anything.test")))

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"example.com", "https://app.example.org"}
	check := cfg.checkOrigin()

	assert.True(t, check(requestFrom("https://example.com")))
	assert.True(t, check(requestFrom("https://app.example.org")))
	assert.True(t, check(requestFrom("")))
	assert.False(t, check(requestFrom("https://evil.test")))
	assert.False(t, check(requestFrom("http://app.example.org:8080")))
}

func requestFrom(origin string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "http://localhost/socket.io/", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}
