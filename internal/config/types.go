package config

import "time"

// Config is the full service configuration. Values come from the YAML
// file, then ORPROXY_* environment variables override, then defaults
// fill what is left.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Rotation RotationConfig `yaml:"rotation"`
	Admin    AdminConfig    `yaml:"admin"`
	Guard    GuardConfig    `yaml:"guard"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type RotationConfig struct {
	Strategy          string        `yaml:"strategy"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
	MaxHalfOpenProbes int           `yaml:"max_half_open_probes"`
	DisableThreshold  int           `yaml:"disable_threshold"`
}

type AdminConfig struct {
	// Bcrypt hash of the admin API key. Empty disables the admin API.
	KeyHash string `yaml:"key_hash"`
}

type GuardConfig struct {
	Enabled bool `yaml:"enabled"`
	RPS     int  `yaml:"rps"`
	Burst   int  `yaml:"burst"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

type LoggingConfig struct {
	Debug   bool   `yaml:"debug"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "orproxy:",
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://openrouter.ai/api",
			MaxRetries:     3,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Rotation: RotationConfig{
			Strategy:          "weighted",
			FailureThreshold:  5,
			RecoveryTimeout:   60 * time.Second,
			MaxHalfOpenProbes: 3,
			DisableThreshold:  5,
		},
		Guard: GuardConfig{
			Enabled: true,
			RPS:     50,
			Burst:   100,
		},
		Logging: LoggingConfig{},
	}
}
