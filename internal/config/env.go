package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays environment variables on cfg. Names follow the
// upstream project so existing deployments keep working.
func applyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setBool(&cfg.Server.Debug, "DEBUG")
	setString(&cfg.Server.LogFile, "LOG_FILE")
	setBool(&cfg.Server.RequestLog, "REQUEST_LOG")

	setString(&cfg.Auth.APIPassword, "PASSWORD")
	setString(&cfg.Auth.PanelPassword, "PANEL_PASSWORD")
	setString(&cfg.Auth.PanelPasswordHash, "PANEL_PASSWORD_HASH")

	setInt(&cfg.Rotation.CallsPerRotation, "CALLS_PER_ROTATION")
	setInt(&cfg.Rotation.MaxConcurrentPerCredential, "MAX_CONCURRENT_PER_CREDENTIAL")

	setBool(&cfg.Retry.Enabled429, "RETRY_429_ENABLED")
	setInt(&cfg.Retry.MaxRetries429, "RETRY_429_MAX_RETRIES")
	setFloat(&cfg.Retry.Interval429Seconds, "RETRY_429_INTERVAL")
	setInt(&cfg.Retry.MaxRetries5xx, "RETRY_5XX_MAX_RETRIES")

	setBool(&cfg.Streaming.ForcePseudo, "FAKE_STREAMING")
	setInt(&cfg.Streaming.ChunkSize, "FAKE_STREAM_CHUNK_SIZE")
	setInt(&cfg.Streaming.DelayMs, "FAKE_STREAM_DELAY_MS")

	setInt(&cfg.AntiTruncation.MaxAttempts, "ANTI_TRUNCATION_MAX_ATTEMPTS")

	setString(&cfg.Upstream.CodeAssistEndpoint, "CODE_ASSIST_ENDPOINT")
	setFloat(&cfg.Upstream.HTTPTimeoutSeconds, "HTTP_TIMEOUT")
	setString(&cfg.Upstream.ProxyURL, "PROXY_URL")

	setString(&cfg.Credentials.Dir, "CREDENTIALS_DIR")
	setBool(&cfg.Credentials.AutoLoadEnv, "AUTO_LOAD_ENV_CREDS")

	setBool(&cfg.AutoBan.Enabled, "AUTO_BAN")

	setStorageBackend(cfg)
	setString(&cfg.Storage.BaseDir, "STORAGE_BASE_DIR")
	setString(&cfg.Storage.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Storage.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Storage.RedisDB, "REDIS_DB")
	setString(&cfg.Storage.RedisPrefix, "REDIS_PREFIX")
	setString(&cfg.Storage.MongoURI, "MONGODB_URI")
	setString(&cfg.Storage.MongoDatabase, "MONGODB_DATABASE")
	setString(&cfg.Storage.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.Storage.GitDir, "GIT_STATE_DIR")
	setString(&cfg.Storage.GitRemote, "GIT_STATE_REMOTE")
	setString(&cfg.Storage.GitBranch, "GIT_STATE_BRANCH")
	setString(&cfg.Storage.GitUsername, "GIT_STATE_USERNAME")
	setString(&cfg.Storage.GitPassword, "GIT_STATE_PASSWORD")

	setString(&cfg.OAuth.ClientID, "OAUTH_CLIENT_ID")
	setString(&cfg.OAuth.ClientSecret, "OAUTH_CLIENT_SECRET")
	setString(&cfg.OAuth.RedirectURL, "OAUTH_REDIRECT_URL")

	setString(&cfg.Tracing.OTLPEndpoint, "OTLP_ENDPOINT")
}

func setStorageBackend(cfg *Config) {
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(v))
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	}
}
