package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Sync       SyncConfig       `yaml:"sync"`
	Sessions   SessionConfig    `yaml:"sessions"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the alert push worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push alert notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	Mode            string  `yaml:"mode"`
	RequestIPHeader string  `yaml:"request_ip_header"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
	// APIKey is the legacy static key accepted in X-API-Key.
	APIKey string `yaml:"api_key"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogQueries             bool   `yaml:"log_queries"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TokenConfig configures device token issuance and the brute-force lockout.
type TokenConfig struct {
	Secret               string        `yaml:"secret"`
	Issuer               string        `yaml:"issuer"`
	DefaultTTLDays       int           `yaml:"default_ttl_days"`
	StorePath            string        `yaml:"store_path"`
	FlushIntervalSeconds int           `yaml:"flush_interval_seconds"`
	FlushInterval        time.Duration `yaml:"-"`
	CleanupProbability   float64       `yaml:"cleanup_probability"`
	MaxFailedAttempts    int           `yaml:"max_failed_attempts"`
	LockoutSeconds       int           `yaml:"lockout_seconds"`
	Lockout              time.Duration `yaml:"-"`
	FailureWindowSeconds int           `yaml:"failure_window_seconds"`
	FailureWindow        time.Duration `yaml:"-"`
}

// SyncConfig configures the outbound sync dispatcher.
type SyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SourceApp       string        `yaml:"source_app"`
	TargetApp       string        `yaml:"target_app"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	SigningSecret   string        `yaml:"signing_secret"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // capped per drain cycle
	BatchSize       int           `yaml:"batch_size"`
	TimeoutSeconds  int           `yaml:"timeout_seconds"`
	Timeout         time.Duration `yaml:"-"`
	MaxTries        uint          `yaml:"max_tries"`
}

// SessionConfig configures the idle monitor.
type SessionConfig struct {
	IdleTimeoutMinutes  int           `yaml:"idle_timeout_minutes"`
	IdleTimeout         time.Duration `yaml:"-"`
	SweepIntervalSecond int           `yaml:"sweep_interval_seconds"`
	SweepInterval       time.Duration `yaml:"-"`
}

// maxSyncCycle caps the pause between drain cycles so new events go out promptly.
const maxSyncCycle = 60 * time.Second

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	cfg.ApplyDefaults()
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"SHOP_API_KEY":        &cfg.Server.APIKey,
		"TOKEN_SECRET":        &cfg.Tokens.Secret,
		"SYNC_API_KEY":        &cfg.Sync.APIKey,
		"SYNC_SIGNING_SECRET": &cfg.Sync.SigningSecret,
		"DATABASE_DSN":        &cfg.Database.DSN,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// ApplyDefaults fills unset values and derives the durations.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "instance/shop_monitor.db"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Tokens.Issuer == "" {
		cfg.Tokens.Issuer = "shop-monitor"
	}
	if cfg.Tokens.DefaultTTLDays <= 0 {
		cfg.Tokens.DefaultTTLDays = 30
	}
	if cfg.Tokens.StorePath == "" {
		cfg.Tokens.StorePath = "instance/api_tokens.db"
	}
	if cfg.Tokens.FlushIntervalSeconds <= 0 {
		cfg.Tokens.FlushIntervalSeconds = 30
	}
	cfg.Tokens.FlushInterval = time.Duration(cfg.Tokens.FlushIntervalSeconds) * time.Second
	if cfg.Tokens.CleanupProbability <= 0 {
		cfg.Tokens.CleanupProbability = 0.05
	}
	if cfg.Tokens.MaxFailedAttempts <= 0 {
		cfg.Tokens.MaxFailedAttempts = 5
	}
	if cfg.Tokens.LockoutSeconds <= 0 {
		cfg.Tokens.LockoutSeconds = 300
	}
	cfg.Tokens.Lockout = time.Duration(cfg.Tokens.LockoutSeconds) * time.Second
	if cfg.Tokens.FailureWindowSeconds <= 0 {
		cfg.Tokens.FailureWindowSeconds = 900
	}
	cfg.Tokens.FailureWindow = time.Duration(cfg.Tokens.FailureWindowSeconds) * time.Second

	if cfg.Sync.SourceApp == "" {
		cfg.Sync.SourceApp = "shop_monitor"
	}
	if cfg.Sync.TargetApp == "" {
		cfg.Sync.TargetApp = "shop_tracker"
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = 3600
	}
	cfg.Sync.Interval = time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	if cfg.Sync.Interval > maxSyncCycle {
		cfg.Sync.Interval = maxSyncCycle
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 10
	}
	if cfg.Sync.TimeoutSeconds <= 0 {
		cfg.Sync.TimeoutSeconds = 10
	}
	cfg.Sync.Timeout = time.Duration(cfg.Sync.TimeoutSeconds) * time.Second
	if cfg.Sync.MaxTries == 0 {
		cfg.Sync.MaxTries = 3
	}

	if cfg.Sessions.IdleTimeoutMinutes <= 0 {
		cfg.Sessions.IdleTimeoutMinutes = 60
	}
	cfg.Sessions.IdleTimeout = time.Duration(cfg.Sessions.IdleTimeoutMinutes) * time.Minute
	if cfg.Sessions.SweepIntervalSecond <= 0 {
		cfg.Sessions.SweepIntervalSecond = 60
	}
	cfg.Sessions.SweepInterval = time.Duration(cfg.Sessions.SweepIntervalSecond) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}
}
