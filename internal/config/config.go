package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	BackendSupabase = "supabase"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	Mode     string `mapstructure:"mode" env:"MODE"`
	Port     int    `mapstructure:"port" env:"WS_PORT"`
	LogLevel string `mapstructure:"log_level" env:"LOG_LEVEL"`

	SupabaseURL         string        `mapstructure:"supabase_url" env:"SUPABASE_URL"`
	SupabaseServiceKey  string        `mapstructure:"supabase_service_key" env:"SUPABASE_SERVICE_KEY"`
	JWTSecret           string        `mapstructure:"jwt_secret" env:"JWT_SECRET"`
	JWKSRefreshInterval time.Duration `mapstructure:"jwks_refresh_interval" env:"JWKS_REFRESH_INTERVAL"`

	MaxRooms            int           `mapstructure:"max_rooms" env:"MAX_ROOMS"`
	MaxPeers            int           `mapstructure:"max_peers" env:"MAX_PEERS"`
	SnapshotIntervalMS  int           `mapstructure:"snapshot_interval_ms" env:"SNAPSHOT_INTERVAL_MS"`
	CompactionThreshold int           `mapstructure:"compaction_threshold" env:"COMPACTION_THRESHOLD"`
	CompactionTimeout   time.Duration `mapstructure:"compaction_timeout" env:"COMPACTION_TIMEOUT"`

	StoreBackend string `mapstructure:"store_backend" env:"STORE_BACKEND"`
	SQLitePath   string `mapstructure:"sqlite_path" env:"SQLITE_PATH"`
	StoreRetries int    `mapstructure:"store_retries" env:"STORE_RETRIES"`
	Workers      int    `mapstructure:"workers" env:"WORKERS"`

	SlowPeerPolicy  string        `mapstructure:"slow_peer_policy" env:"SLOW_PEER_POLICY"`
	SendBufferBytes int           `mapstructure:"send_buffer_bytes" env:"SEND_BUFFER_BYTES"`
	ReadLimit       int64         `mapstructure:"read_limit" env:"READ_LIMIT"`
	PingPeriod      time.Duration `mapstructure:"ping_period" env:"PING_PERIOD"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" env:"IDLE_TIMEOUT"`
	JoinRateLimit   int           `mapstructure:"join_rate_limit" env:"JOIN_RATE_LIMIT"`
	// AllowedOrigins restricts browser websocket upgrades; empty allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	AdminToken   string `mapstructure:"admin_token" env:"ADMIN_TOKEN"`
	OTelEndpoint string `mapstructure:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

// SnapshotInterval is the compaction sweep period; zero disables the sweep.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMS) * time.Millisecond
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to dev),
// then lets process environment variables override it.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file means defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.SlowPeerPolicy = strings.ToLower(strings.TrimSpace(cfg.SlowPeerPolicy))

	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.StoreBackend).
		Int("max_rooms", cfg.MaxRooms).
		Int("max_peers", cfg.MaxPeers).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("jwks_refresh_interval", "1h")
	v.SetDefault("max_rooms", 1024)
	v.SetDefault("max_peers", 64)
	v.SetDefault("snapshot_interval_ms", 60000)
	v.SetDefault("compaction_threshold", 100)
	v.SetDefault("compaction_timeout", "30s")
	v.SetDefault("store_backend", BackendSupabase)
	v.SetDefault("sqlite_path", "data/wigma.db")
	v.SetDefault("store_retries", 3)
	v.SetDefault("workers", 16)
	v.SetDefault("slow_peer_policy", "kick")
	v.SetDefault("send_buffer_bytes", 1<<20)
	v.SetDefault("read_limit", 16<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("idle_timeout", "120s")
	v.SetDefault("join_rate_limit", 0)
	v.SetDefault("allowed_origins", []string{})
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("mode %q: want debug, release or test", c.Mode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.JWTSecret == "" && c.SupabaseURL == "" {
		errs = append(errs, errors.New("no token key source: set JWT_SECRET or SUPABASE_URL"))
	}
	switch c.StoreBackend {
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			errs = append(errs, errors.New("supabase backend needs SUPABASE_URL and SUPABASE_SERVICE_KEY"))
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("sqlite backend needs SQLITE_PATH"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	switch c.SlowPeerPolicy {
	case "kick", "drop":
	default:
		errs = append(errs, fmt.Errorf("unknown slow peer policy %q", c.SlowPeerPolicy))
	}
	for name, n := range map[string]int{
		"max_rooms":         c.MaxRooms,
		"max_peers":         c.MaxPeers,
		"workers":           c.Workers,
		"send_buffer_bytes": c.SendBufferBytes,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	if c.SnapshotIntervalMS < 0 || c.CompactionThreshold < 0 || c.StoreRetries < 0 || c.JoinRateLimit < 0 {
		errs = append(errs, errors.New("snapshot_interval_ms, compaction_threshold, store_retries and join_rate_limit must not be negative"))
	}
	if c.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("read_limit must be positive, got %d", c.ReadLimit))
	}
	if c.IdleTimeout <= 0 || c.PingPeriod <= 0 || c.PingPeriod >= c.IdleTimeout {
		errs = append(errs, fmt.Errorf("ping_period %s must be positive and below idle_timeout %s", c.PingPeriod, c.IdleTimeout))
	}
	return errors.Join(errs...)
}
