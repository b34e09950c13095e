package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 1024, cfg.MaxRooms)
	assert.Equal(t, 64, cfg.MaxPeers)
	assert.Equal(t, 60*time.Second, cfg.SnapshotInterval())
	assert.Equal(t, 100, cfg.CompactionThreshold)
	assert.Equal(t, BackendSupabase, cfg.StoreBackend)
	assert.Equal(t, "kick", cfg.SlowPeerPolicy)
	assert.Equal(t, 1<<20, cfg.SendBufferBytes)
	assert.Equal(t, int64(16<<20), cfg.ReadLimit)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, time.Hour, cfg.JWKSRefreshInterval)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestAllowedOrigins(t *testing.T) {
	path := writeYAML(t, `
allowed_origins:
  - https://app.example.com
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)

	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestFileThenEnv(t *testing.T) {
	path := writeYAML(t, `
mode: debug
port: 9000
max_rooms: 10
store_backend: memory
jwt_secret: from-file
`)
	t.Setenv("WS_PORT", "9100")
	t.Setenv("MAX_PEERS", "8")
	t.Setenv("SNAPSHOT_INTERVAL_MS", "1500")
	t.Setenv("STORE_BACKEND", "SQLite")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 10, cfg.MaxRooms)
	assert.Equal(t, 8, cfg.MaxPeers)
	assert.Equal(t, 1500*time.Millisecond, cfg.SnapshotInterval())
	assert.Equal(t, BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "from-file", cfg.JWTSecret)
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("MAX_ROOMS", "lots")
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	cfg.StoreBackend = BackendMemory
	cfg.JWTSecret = "secret"
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())

	cases := map[string]func(*Config){
		"no key source":     func(c *Config) { c.JWTSecret = "" },
		"supabase no key":   func(c *Config) { c.StoreBackend = BackendSupabase; c.SupabaseURL = "http://x" },
		"sqlite no path":    func(c *Config) { c.StoreBackend = BackendSQLite; c.SQLitePath = "" },
		"unknown backend":   func(c *Config) { c.StoreBackend = "redis" },
		"unknown policy":    func(c *Config) { c.SlowPeerPolicy = "ignore" },
		"zero rooms":        func(c *Config) { c.MaxRooms = 0 },
		"zero peers":        func(c *Config) { c.MaxPeers = 0 },
		"negative interval": func(c *Config) { c.SnapshotIntervalMS = -1 },
		"ping above idle":   func(c *Config) { c.PingPeriod = 2 * c.IdleTimeout },
		"bad mode":          func(c *Config) { c.Mode = "prod" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig(t)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateJWKSOnly(t *testing.T) {
	cfg := validConfig(t)
	cfg.JWTSecret = ""
	cfg.StoreBackend = BackendSupabase
	cfg.SupabaseURL = "https://project.supabase.co"
	cfg.SupabaseServiceKey = "service"
	assert.NoError(t, cfg.Validate())
}
