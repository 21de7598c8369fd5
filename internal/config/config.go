// Package config loads gateway configuration from a YAML file with
// environment-variable overrides, validates it, and hot-reloads it when
// the file changes.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full gateway configuration, grouped by concern. Durations
// are stored as numeric seconds/milliseconds so plain YAML scalars work.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	Rotation       RotationConfig       `yaml:"rotation"`
	Retry          RetryConfig          `yaml:"retry"`
	Streaming      StreamingConfig      `yaml:"streaming"`
	AntiTruncation AntiTruncationConfig `yaml:"anti_truncation"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Credentials    CredentialsConfig    `yaml:"credentials"`
	AutoBan        AutoBanConfig        `yaml:"auto_ban"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	OAuth          OAuthConfig          `yaml:"oauth"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	Debug      bool   `yaml:"debug"`
	LogFile    string `yaml:"log_file"`
	RequestLog bool   `yaml:"request_log"`
}

type AuthConfig struct {
	// APIPassword guards the OpenAI and Gemini protocol surfaces.
	APIPassword string `yaml:"api_password"`
	// PanelPassword (or its bcrypt hash) guards /api and /metrics.
	PanelPassword     string `yaml:"panel_password"`
	PanelPasswordHash string `yaml:"panel_password_hash"`
}

type RotationConfig struct {
	CallsPerRotation           int `yaml:"calls_per_rotation"`
	MaxConcurrentPerCredential int `yaml:"max_concurrent_per_credential"`
}

type RetryConfig struct {
	Enabled429         bool    `yaml:"retry_429_enabled"`
	MaxRetries429      int     `yaml:"retry_429_max_retries"`
	Interval429Seconds float64 `yaml:"retry_429_interval"`
	MaxRetries5xx      int     `yaml:"retry_5xx_max_retries"`
	Interval5xxSeconds float64 `yaml:"retry_5xx_interval"`
}

func (r RetryConfig) Interval429() time.Duration {
	return time.Duration(r.Interval429Seconds * float64(time.Second))
}

func (r RetryConfig) Interval5xx() time.Duration {
	return time.Duration(r.Interval5xxSeconds * float64(time.Second))
}

type StreamingConfig struct {
	// ForcePseudo makes every streaming request use pseudo-streaming even
	// when the upstream could stream natively.
	ForcePseudo bool `yaml:"force_pseudo"`
	ChunkSize   int  `yaml:"chunk_size"`
	DelayMs     int  `yaml:"delay_ms"`
}

func (s StreamingConfig) Delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

type AntiTruncationConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type UpstreamConfig struct {
	CodeAssistEndpoint string  `yaml:"code_assist_endpoint"`
	HTTPTimeoutSeconds float64 `yaml:"http_timeout"`
	MaxIdleConns       int     `yaml:"max_idle_conns"`
	ProxyURL           string  `yaml:"proxy_url"`
}

func (u UpstreamConfig) HTTPTimeout() time.Duration {
	return time.Duration(u.HTTPTimeoutSeconds * float64(time.Second))
}

type CredentialsConfig struct {
	Dir         string `yaml:"dir"`
	AutoLoadEnv bool   `yaml:"auto_load_env"`
	WatchDir    bool   `yaml:"watch_dir"`
}

type AutoBanConfig struct {
	Enabled bool `yaml:"enabled"`
	// ErrorCodes lists upstream HTTP statuses that count toward a ban.
	ErrorCodes []int `yaml:"error_codes"`
	Threshold  int   `yaml:"threshold"`
	// CooldownSeconds is how long a 429-cooled credential sits out.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

func (a AutoBanConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownSeconds) * time.Second
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	BaseDir       string `yaml:"base_dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	GitDir        string `yaml:"git_dir"`
	GitRemote     string `yaml:"git_remote"`
	GitBranch     string `yaml:"git_branch"`
	GitUsername   string `yaml:"git_username"`
	GitPassword   string `yaml:"git_password"`
}

type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file and no environment
// overrides are present. Values follow the upstream project's defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = 7861
	cfg.Rotation.CallsPerRotation = 10
	cfg.Rotation.MaxConcurrentPerCredential = 4
	cfg.Retry.Enabled429 = true
	cfg.Retry.MaxRetries429 = 3
	cfg.Retry.Interval429Seconds = 1
	cfg.Retry.MaxRetries5xx = 2
	cfg.Retry.Interval5xxSeconds = 1
	cfg.Streaming.ChunkSize = 20
	cfg.Streaming.DelayMs = 50
	cfg.AntiTruncation.MaxAttempts = 3
	cfg.Upstream.CodeAssistEndpoint = "https://cloudcode-pa.googleapis.com"
	cfg.Upstream.HTTPTimeoutSeconds = 30
	cfg.Upstream.MaxIdleConns = 100
	cfg.Credentials.Dir = "./creds"
	cfg.Credentials.AutoLoadEnv = true
	cfg.Credentials.WatchDir = true
	cfg.AutoBan.Enabled = true
	cfg.AutoBan.ErrorCodes = []int{401, 403}
	cfg.AutoBan.Threshold = 3
	cfg.AutoBan.CooldownSeconds = 300
	cfg.Storage.Backend = "file"
	cfg.Storage.BaseDir = "./data"
	cfg.Storage.RedisPrefix = "gcliproxy"
	cfg.Storage.MongoDatabase = "gcliproxy"
	cfg.RateLimit.RPS = 20
	cfg.RateLimit.Burst = 40
	return cfg
}

// Validate normalizes and range-checks the configuration in place.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Rotation.CallsPerRotation < 1 {
		return fmt.Errorf("rotation.calls_per_rotation must be >= 1, got %d", c.Rotation.CallsPerRotation)
	}
	if c.Rotation.MaxConcurrentPerCredential < 1 {
		c.Rotation.MaxConcurrentPerCredential = 1
	}
	if c.Retry.MaxRetries429 < 0 {
		c.Retry.MaxRetries429 = 0
	}
	if c.Retry.Interval429Seconds < 0 {
		c.Retry.Interval429Seconds = 0
	}
	if c.Streaming.ChunkSize < 1 {
		c.Streaming.ChunkSize = 20
	}
	if c.Streaming.DelayMs < 0 {
		c.Streaming.DelayMs = 0
	}
	if c.AntiTruncation.MaxAttempts < 0 {
		c.AntiTruncation.MaxAttempts = 0
	}
	if c.Upstream.HTTPTimeoutSeconds <= 0 {
		c.Upstream.HTTPTimeoutSeconds = 30
	}
	c.Upstream.CodeAssistEndpoint = strings.TrimSuffix(c.Upstream.CodeAssistEndpoint, "/")
	if c.Upstream.CodeAssistEndpoint == "" {
		return fmt.Errorf("upstream.code_assist_endpoint must not be empty")
	}
	switch c.Storage.Backend {
	case "file", "mongo", "redis", "postgres", "git":
	default:
		return fmt.Errorf("storage.backend %q unknown (file|mongo|redis|postgres|git)", c.Storage.Backend)
	}
	return nil
}
