// Package config loads and validates the device server's YAML configuration,
// applying the same env-brace expansion and typed-override pipeline the rest
// of the nexus-edge services use.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envBraceRe = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns, leaving
// any other use of '$' in the file untouched.
func expandEnvBraces(s string) string {
	return envBraceRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraceRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// Config is the complete device server configuration.
type Config struct {
	Service        ServiceConfig        `yaml:"service"`
	HTTP           HTTPConfig           `yaml:"http"`
	Server         ServerConfig         `yaml:"server"`
	Connection     ConnectionConfig     `yaml:"connection"`
	Identification IdentificationConfig `yaml:"identification"`
	Protocols      ProtocolsConfig      `yaml:"protocols"`
	Polling        PollingConfig        `yaml:"polling"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Storage        StorageConfig        `yaml:"storage"`
	ControlPlane   ControlPlaneConfig   `yaml:"control_plane"`
	Command        CommandConfig        `yaml:"command"`
	Discovery      DiscoveryConfig      `yaml:"discovery"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ProtocolsConfig points at the on-disk protocol catalogue: the YAML
// definitions directory and the JSON register-map sidecars directory.
type ProtocolsConfig struct {
	Dir             string `yaml:"dir"`
	RegisterMapsDir string `yaml:"register_maps_dir"`
}

// CommandConfig controls the control-plane command-queue poll worker.
type CommandConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Enabled      bool          `yaml:"enabled"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// HTTPConfig controls the ambient health/metrics/status HTTP mux. This is a
// separate port from the device-facing TCP listener in Server.
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ServerConfig controls the device-facing TCP acceptor.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Backlog         int           `yaml:"backlog"`
	MaxConnections  int           `yaml:"max_connections"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ConnectionConfig controls the per-session lifecycle.
type ConnectionConfig struct {
	StabilizationDelay time.Duration `yaml:"stabilization_delay"`
}

// IdentificationConfig controls the prober's retry envelope. Per-protocol
// timeouts live in the protocol definitions themselves.
type IdentificationConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PollingConfig holds the `polling` section and its DEVICE_POLLING_*
// overrides. Pollers do not read it: each takes its intervals from its
// protocol's own polling block (the protocol loader fills omitted fields
// with built-in defaults) and backs off on failure whether or not
// FailureBackoff is set.
type PollingConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	MinInterval     time.Duration `yaml:"min_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	FailureBackoff  bool          `yaml:"failure_backoff"`
}

// TelemetryConfig controls the bounded queue and batching pipeline.
type TelemetryConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WindowSize    int           `yaml:"window_size"`
}

// StorageConfig holds the TimescaleDB connection.
type StorageConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Database    string        `yaml:"database"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	PoolSize    int           `yaml:"pool_size"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// ControlPlaneConfig holds the outbound control-plane HTTP client settings.
type ControlPlaneConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DiscoveryConfig holds network-scan defaults.
type DiscoveryConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdentifyTimeout time.Duration `yaml:"identify_timeout"`
	Ports          []int         `yaml:"ports"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, expands environment braces, applies defaults and
// overrides, validates, and returns the resulting Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvBraces(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "device-server"
	}
	if cfg.Service.Environment == "" {
		cfg.Service.Environment = "development"
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8502
	}
	if cfg.Server.Backlog == 0 {
		cfg.Server.Backlog = 128
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 500
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Connection.StabilizationDelay == 0 {
		cfg.Connection.StabilizationDelay = 500 * time.Millisecond
	}

	if cfg.Protocols.Dir == "" {
		cfg.Protocols.Dir = "configs/protocols"
	}
	if cfg.Protocols.RegisterMapsDir == "" {
		cfg.Protocols.RegisterMapsDir = "configs/register_maps"
	}

	if cfg.Identification.MaxRetries == 0 {
		cfg.Identification.MaxRetries = 3
	}
	if cfg.Identification.RetryDelay == 0 {
		cfg.Identification.RetryDelay = 1 * time.Second
	}
	if cfg.Identification.Timeout == 0 {
		cfg.Identification.Timeout = 5 * time.Second
	}

	if cfg.Polling.DefaultInterval == 0 {
		cfg.Polling.DefaultInterval = 10 * time.Second
	}
	if cfg.Polling.MinInterval == 0 {
		cfg.Polling.MinInterval = 5 * time.Second
	}
	if cfg.Polling.MaxInterval == 0 {
		cfg.Polling.MaxInterval = 300 * time.Second
	}

	if cfg.Telemetry.QueueSize == 0 {
		cfg.Telemetry.QueueSize = 10000
	}
	if cfg.Telemetry.BatchSize == 0 {
		cfg.Telemetry.BatchSize = 100
	}
	if cfg.Telemetry.FlushInterval == 0 {
		cfg.Telemetry.FlushInterval = 1 * time.Second
	}
	if cfg.Telemetry.WindowSize == 0 {
		cfg.Telemetry.WindowSize = 10
	}

	if cfg.Storage.Host == "" {
		cfg.Storage.Host = "localhost"
	}
	if cfg.Storage.Port == 0 {
		cfg.Storage.Port = 5432
	}
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = "solar_telemetry"
	}
	if cfg.Storage.User == "" {
		cfg.Storage.User = "device_server"
	}
	if cfg.Storage.PoolSize == 0 {
		cfg.Storage.PoolSize = 10
	}
	if cfg.Storage.MaxIdleTime == 0 {
		cfg.Storage.MaxIdleTime = 5 * time.Minute
	}
	if cfg.Storage.MaxRetries == 0 {
		cfg.Storage.MaxRetries = 3
	}
	if cfg.Storage.RetryDelay == 0 {
		cfg.Storage.RetryDelay = 100 * time.Millisecond
	}

	if cfg.ControlPlane.Timeout == 0 {
		cfg.ControlPlane.Timeout = 10 * time.Second
	}
	if cfg.ControlPlane.MaxRetries == 0 {
		cfg.ControlPlane.MaxRetries = 3
	}
	if cfg.ControlPlane.RetryDelay == 0 {
		cfg.ControlPlane.RetryDelay = 500 * time.Millisecond
	}

	if cfg.Command.PollInterval == 0 {
		cfg.Command.PollInterval = 2 * time.Second
	}
	if cfg.Command.BatchSize == 0 {
		cfg.Command.BatchSize = 10
	}

	if cfg.Discovery.MaxConcurrent == 0 {
		cfg.Discovery.MaxConcurrent = 50
	}
	if cfg.Discovery.ConnectTimeout == 0 {
		cfg.Discovery.ConnectTimeout = 2 * time.Second
	}
	if cfg.Discovery.IdentifyTimeout == 0 {
		cfg.Discovery.IdentifyTimeout = 10 * time.Second
	}
	if len(cfg.Discovery.Ports) == 0 {
		cfg.Discovery.Ports = []int{502, 8502}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// envStr, envInt, envBool, envSeconds, and envMillis overwrite dst only
// when the variable is set and parses; a malformed value leaves the YAML or
// default value in place.
func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		var s int
		if _, err := fmt.Sscanf(v, "%d", &s); err == nil {
			*dst = time.Duration(s) * time.Second
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		var ms int
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

// applyEnvOverrides exposes every field of every settings group through its
// group's variable prefix. Durations take integer seconds (_S) or
// milliseconds (_MS).
func applyEnvOverrides(cfg *Config) {
	envStr("DEVICE_SERVER_HOST", &cfg.Server.Host)
	envInt("DEVICE_SERVER_PORT", &cfg.Server.Port)
	envInt("DEVICE_SERVER_BACKLOG", &cfg.Server.Backlog)
	envInt("DEVICE_SERVER_MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	envSeconds("DEVICE_SERVER_SHUTDOWN_TIMEOUT_S", &cfg.Server.ShutdownTimeout)
	envInt("DEVICE_SERVER_HTTP_PORT", &cfg.HTTP.Port)
	envStr("DEVICE_SERVER_LOG_LEVEL", &cfg.Logging.Level)
	envStr("DEVICE_SERVER_LOG_FORMAT", &cfg.Logging.Format)

	envMillis("DEVICE_CONNECTION_STABILIZATION_DELAY_MS", &cfg.Connection.StabilizationDelay)

	envInt("DEVICE_IDENTIFICATION_MAX_RETRIES", &cfg.Identification.MaxRetries)
	envMillis("DEVICE_IDENTIFICATION_RETRY_DELAY_MS", &cfg.Identification.RetryDelay)
	envSeconds("DEVICE_IDENTIFICATION_TIMEOUT_S", &cfg.Identification.Timeout)

	envSeconds("DEVICE_POLLING_DEFAULT_INTERVAL_S", &cfg.Polling.DefaultInterval)
	envSeconds("DEVICE_POLLING_MIN_INTERVAL_S", &cfg.Polling.MinInterval)
	envSeconds("DEVICE_POLLING_MAX_INTERVAL_S", &cfg.Polling.MaxInterval)
	envBool("DEVICE_POLLING_FAILURE_BACKOFF", &cfg.Polling.FailureBackoff)

	envStr("SYSTEM_A_BASE_URL", &cfg.ControlPlane.BaseURL)
	envStr("SYSTEM_A_API_KEY", &cfg.ControlPlane.APIKey)
	envSeconds("SYSTEM_A_TIMEOUT_S", &cfg.ControlPlane.Timeout)
	envInt("SYSTEM_A_MAX_RETRIES", &cfg.ControlPlane.MaxRetries)
	envMillis("SYSTEM_A_RETRY_DELAY_MS", &cfg.ControlPlane.RetryDelay)

	envStr("DEVICE_STORAGE_HOST", &cfg.Storage.Host)
	envInt("DEVICE_STORAGE_PORT", &cfg.Storage.Port)
	envStr("DEVICE_STORAGE_DATABASE", &cfg.Storage.Database)
	envStr("DEVICE_STORAGE_USER", &cfg.Storage.User)
	envStr("DEVICE_STORAGE_PASSWORD", &cfg.Storage.Password)
	envInt("DEVICE_STORAGE_POOL_SIZE", &cfg.Storage.PoolSize)
	envSeconds("DEVICE_STORAGE_MAX_IDLE_TIME_S", &cfg.Storage.MaxIdleTime)
	envInt("DEVICE_STORAGE_MAX_RETRIES", &cfg.Storage.MaxRetries)
	envMillis("DEVICE_STORAGE_RETRY_DELAY_MS", &cfg.Storage.RetryDelay)
}

func validate(cfg *Config) error {
	if cfg.Storage.Password == "" && cfg.Service.Environment == "production" {
		return fmt.Errorf("storage password is required in production")
	}
	if cfg.ControlPlane.APIKey == "" && cfg.Service.Environment == "production" {
		return fmt.Errorf("control plane api key is required in production")
	}
	if cfg.Telemetry.BatchSize > cfg.Telemetry.QueueSize {
		return fmt.Errorf("telemetry batch_size cannot be larger than queue_size")
	}
	if cfg.Polling.MinInterval > cfg.Polling.MaxInterval {
		return fmt.Errorf("polling min_interval cannot exceed max_interval")
	}
	if cfg.Server.MaxConnections < 1 {
		return fmt.Errorf("server max_connections must be at least 1")
	}
	return nil
}
