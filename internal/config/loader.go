package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"orproxy-go/internal/rotation"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path (optional), applies ORPROXY_*
// environment overrides, fills defaults and validates. An empty path
// means env plus defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString("ORPROXY_HOST", &cfg.Server.Host)
	setInt("ORPROXY_PORT", &cfg.Server.Port)

	setString("ORPROXY_REDIS_ADDR", &cfg.Redis.Addr)
	setString("ORPROXY_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("ORPROXY_REDIS_DB", &cfg.Redis.DB)
	setString("ORPROXY_REDIS_PREFIX", &cfg.Redis.Prefix)

	setString("ORPROXY_UPSTREAM_BASE_URL", &cfg.Upstream.BaseURL)
	setInt("ORPROXY_MAX_RETRIES", &cfg.Upstream.MaxRetries)
	setDuration("ORPROXY_CONNECT_TIMEOUT", &cfg.Upstream.ConnectTimeout)
	setDuration("ORPROXY_READ_TIMEOUT", &cfg.Upstream.ReadTimeout)
	setDuration("ORPROXY_WRITE_TIMEOUT", &cfg.Upstream.WriteTimeout)

	setString("ORPROXY_ROTATION_STRATEGY", &cfg.Rotation.Strategy)
	setInt("ORPROXY_FAILURE_THRESHOLD", &cfg.Rotation.FailureThreshold)
	setDuration("ORPROXY_RECOVERY_TIMEOUT", &cfg.Rotation.RecoveryTimeout)
	setInt("ORPROXY_MAX_HALF_OPEN_PROBES", &cfg.Rotation.MaxHalfOpenProbes)
	setInt("ORPROXY_DISABLE_THRESHOLD", &cfg.Rotation.DisableThreshold)

	setString("ORPROXY_ADMIN_KEY_HASH", &cfg.Admin.KeyHash)

	setBool("ORPROXY_GUARD_ENABLED", &cfg.Guard.Enabled)
	setInt("ORPROXY_GUARD_RPS", &cfg.Guard.RPS)
	setInt("ORPROXY_GUARD_BURST", &cfg.Guard.Burst)

	setBool("ORPROXY_TRACING_ENABLED", &cfg.Tracing.Enabled)
	setString("ORPROXY_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)

	setBool("ORPROXY_DEBUG", &cfg.Logging.Debug)
	setString("ORPROXY_LOG_FILE", &cfg.Logging.LogFile)
}

func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = def.Redis.Addr
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = def.Redis.Prefix
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = def.Upstream.BaseURL
	}
	if cfg.Upstream.MaxRetries == 0 {
		cfg.Upstream.MaxRetries = def.Upstream.MaxRetries
	}
	if cfg.Upstream.ConnectTimeout == 0 {
		cfg.Upstream.ConnectTimeout = def.Upstream.ConnectTimeout
	}
	if cfg.Upstream.ReadTimeout == 0 {
		cfg.Upstream.ReadTimeout = def.Upstream.ReadTimeout
	}
	if cfg.Upstream.WriteTimeout == 0 {
		cfg.Upstream.WriteTimeout = def.Upstream.WriteTimeout
	}
	if cfg.Rotation.Strategy == "" {
		cfg.Rotation.Strategy = def.Rotation.Strategy
	}
	if cfg.Rotation.FailureThreshold == 0 {
		cfg.Rotation.FailureThreshold = def.Rotation.FailureThreshold
	}
	if cfg.Rotation.RecoveryTimeout == 0 {
		cfg.Rotation.RecoveryTimeout = def.Rotation.RecoveryTimeout
	}
	if cfg.Rotation.MaxHalfOpenProbes == 0 {
		cfg.Rotation.MaxHalfOpenProbes = def.Rotation.MaxHalfOpenProbes
	}
	if cfg.Rotation.DisableThreshold == 0 {
		cfg.Rotation.DisableThreshold = def.Rotation.DisableThreshold
	}
	if cfg.Guard.RPS == 0 {
		cfg.Guard.RPS = def.Guard.RPS
	}
	if cfg.Guard.Burst == 0 {
		cfg.Guard.Burst = def.Guard.Burst
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream base_url must be an http(s) URL, got %q", c.Upstream.BaseURL)
	}
	if _, err := rotation.ParseStrategy(c.Rotation.Strategy); err != nil {
		return err
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	return nil
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
