// Package config loads, validates, and persists the service configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SCRIBED_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/murmur-labs/scribed/internal/bytesize"
)

// Config is the full scribed configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and Pyroscope profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Server configures the HTTP/WebSocket listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Scheduler configures the task queue and worker pool.
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	// Engine configures the transcription engine adapter.
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`

	// Cache configures the persistent result cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Blob configures the content-addressed audio store.
	Blob BlobConfig `mapstructure:"blob" yaml:"blob"`

	// Auth configures the optional token handshake.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Metrics configures the Prometheus scrape endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Notification configures the optional completion webhook.
	Notification NotificationConfig `mapstructure:"notification" yaml:"notification"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	// Enabled turns distributed tracing on. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS to the collector. Default: true.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling configures Pyroscope continuous profiling.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled turns continuous profiling on. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes selects which profiles to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	// Host is the bind address. Default: "0.0.0.0".
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port. Default: 8765.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// MaxConnections caps concurrent WebSocket sessions. 0 = unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0" yaml:"max_connections"`

	// HeartbeatInterval is the server ping cadence. Default: 30s.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// ConnectionTimeout closes sessions with no inbound traffic. Default: 120s.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`

	// ShutdownTimeout bounds in-flight request draining. Default: 10s.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SchedulerConfig configures the task queue and worker pool.
type SchedulerConfig struct {
	// MaxConcurrentTasks is the worker pool size. Default: 2.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" validate:"omitempty,gte=1" yaml:"max_concurrent_tasks"`

	// MaxQueueSize caps tasks admitted but not yet finished. Default: 100.
	MaxQueueSize int `mapstructure:"max_queue_size" validate:"omitempty,gte=1" yaml:"max_queue_size"`

	// TaskTimeout aborts a single transcription run. 0 = no timeout.
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`

	// RetryTimes is the transient-failure retry budget per task. Default: 3.
	RetryTimes int `mapstructure:"retry_times" validate:"gte=0" yaml:"retry_times"`

	// MaxFileSize caps a single upload. Default: 512Mi.
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size"`

	// AllowedExtensions is the accepted file extension allowlist.
	AllowedExtensions []string `mapstructure:"allowed_extensions" yaml:"allowed_extensions"`

	// MergeGap is the maximum silence between merged sentences in the JSON
	// output format. Default: 3s.
	MergeGap time.Duration `mapstructure:"merge_gap" yaml:"merge_gap"`

	// CompletionRetention is how long finished tasks stay queryable.
	// Default: 1h.
	CompletionRetention time.Duration `mapstructure:"completion_retention" yaml:"completion_retention"`
}

// EngineConfig configures the transcription engine adapter.
type EngineConfig struct {
	// Command is the external transcriber executable. Required to start the
	// server.
	Command string `mapstructure:"command" yaml:"command"`

	// ConcurrencyMode is "lock" (single serialized instance) or "pool"
	// (independent instances). Default: "lock".
	ConcurrencyMode string `mapstructure:"concurrency_mode" validate:"omitempty,oneof=lock pool" yaml:"concurrency_mode"`

	// PoolSize is the instance count in pool mode. Default: max_concurrent_tasks.
	PoolSize int `mapstructure:"pool_size" validate:"gte=0" yaml:"pool_size"`

	// ModelPath points at the speech model the engine loads.
	ModelPath string `mapstructure:"model_path" yaml:"model_path"`

	// Language restricts recognition to one language code. Empty = auto.
	Language string `mapstructure:"language" yaml:"language"`

	// ExtraArgs are passed to the transcriber verbatim after the generated
	// flags.
	ExtraArgs []string `mapstructure:"extra_args" yaml:"extra_args"`
}

// CacheConfig configures the persistent result cache.
type CacheConfig struct {
	// Enabled turns result caching on. Default: true.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the Badger database directory. Empty selects an in-memory
	// store (results do not survive restarts).
	Path string `mapstructure:"path" yaml:"path"`

	// TTL is the last-access expiry for cached results. Default: 720h.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`

	// SweepInterval is the expiry scan cadence. Default: 1h.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// BlobConfig configures the content-addressed audio store.
type BlobConfig struct {
	// Path is the blob root directory (required).
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// DeleteAfterTranscription removes audio as soon as no task needs it.
	// Default: true.
	DeleteAfterTranscription bool `mapstructure:"delete_after_transcription" yaml:"delete_after_transcription"`

	// Archive optionally mirrors finalized blobs to S3-compatible storage.
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// ArchiveConfig configures the optional S3 blob archive.
type ArchiveConfig struct {
	// Enabled turns archiving on. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Bucket is the S3 bucket name (required when enabled).
	Bucket string `mapstructure:"bucket" validate:"required_if=Enabled true" yaml:"bucket"`

	// Region is the AWS region.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint (MinIO and friends).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// KeyPrefix is prepended to all object keys.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// AccessKeyID and SecretAccessKey override the SDK credential chain.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle forces path-style addressing (Localstack/MinIO).
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty"`
}

// AuthConfig configures the WebSocket token handshake.
type AuthConfig struct {
	// Enabled requires an auth message before any other traffic.
	// Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Secret is the HMAC signing secret (min 32 chars when enabled).
	// Override: SCRIBED_AUTH_SECRET.
	Secret string `mapstructure:"secret" validate:"required_if=Enabled true,omitempty,min=32" yaml:"secret,omitempty"`

	// TokenDuration is the issued token lifetime. Default: 24h.
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`

	// AuthTimeout bounds the handshake after connect. Default: 30s.
	AuthTimeout time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
// When Enabled is false no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled turns metrics collection and the /metrics route on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NotificationConfig configures the completion webhook.
type NotificationConfig struct {
	// WebhookURL receives a POST per terminal task event. Empty disables.
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url" yaml:"webhook_url,omitempty"`

	// Secret is sent as a bearer token with each delivery.
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`

	// Timeout bounds one delivery attempt. Default: 10s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MaxAttempts is the per-event delivery budget. Default: 3.
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=0" yaml:"max_attempts"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: path to a config file (empty uses the default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  scribed init\n\n"+
				"Or specify a custom config file:\n"+
				"  scribed <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  scribed init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may carry the auth secret and webhook credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures environment overrides and the config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Example: SCRIBED_LOGGING_LEVEL=DEBUG, SCRIBED_AUTH_SECRET=...
	v.SetEnvPrefix("SCRIBED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Boolean defaults that differ from the zero value.
	v.SetDefault("cache.enabled", true)
	v.SetDefault("blob.delete_after_transcription", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if present. A missing file is not an
// error; defaults apply.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom decode hooks for ByteSize and
// time.Duration values.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can say "512Mi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration so config files can
// say "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are nanoseconds
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "scribed")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "scribed")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory (used by the init command).
func GetConfigDir() string {
	return getConfigDir()
}
