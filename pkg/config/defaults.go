package config

import (
	"strings"
	"time"

	"github.com/murmur-labs/scribed/internal/bytesize"
)

// ApplyDefaults fills in defaults for any unspecified fields.
//
// Zero values (0, "", false, nil) are replaced; explicit values are kept.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyServerDefaults(&cfg.Server)
	applySchedulerDefaults(&cfg.Scheduler)
	applyEngineDefaults(&cfg.Engine, cfg.Scheduler.MaxConcurrentTasks)
	applyCacheDefaults(&cfg.Cache)
	applyBlobDefaults(&cfg.Blob)
	applyAuthDefaults(&cfg.Auth)
	applyNotificationDefaults(&cfg.Notification)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalized to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in)

	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8765
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 120 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

func applySchedulerDefaults(cfg *SchedulerConfig) {
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = 2
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.RetryTimes == 0 {
		cfg.RetryTimes = 3
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 512 * bytesize.MiB
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{
			".wav", ".mp3", ".m4a", ".flac", ".ogg", ".aac", ".wma", ".mp4",
		}
	}
	if cfg.MergeGap == 0 {
		cfg.MergeGap = 3 * time.Second
	}
	if cfg.CompletionRetention == 0 {
		cfg.CompletionRetention = time.Hour
	}
}

func applyEngineDefaults(cfg *EngineConfig, maxConcurrent int) {
	if cfg.ConcurrencyMode == "" {
		cfg.ConcurrencyMode = "lock"
	}
	// Pool mode defaults to one instance per worker
	if cfg.ConcurrencyMode == "pool" && cfg.PoolSize == 0 {
		cfg.PoolSize = maxConcurrent
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = 720 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
}

func applyBlobDefaults(cfg *BlobConfig) {
	// Path is required; no default.
	_ = cfg
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.TokenDuration == 0 {
		cfg.TokenDuration = 24 * time.Hour
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = 30 * time.Second
	}
}

func applyNotificationDefaults(cfg *NotificationConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
}

// GetDefaultConfig returns a Config with every default applied.
//
// Useful for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Cache: CacheConfig{
			Enabled: true,
		},
		Blob: BlobConfig{
			Path:                     "/var/lib/scribed/blobs",
			DeleteAfterTranscription: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
