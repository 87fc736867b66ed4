package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/murmur-labs/scribed/internal/logger"
	"github.com/murmur-labs/scribed/internal/telemetry"
	"github.com/murmur-labs/scribed/pkg/auth"
	"github.com/murmur-labs/scribed/pkg/blob"
	"github.com/murmur-labs/scribed/pkg/config"
	"github.com/murmur-labs/scribed/pkg/engine"
	"github.com/murmur-labs/scribed/pkg/metrics"
	promMetrics "github.com/murmur-labs/scribed/pkg/metrics/prometheus"
	"github.com/murmur-labs/scribed/pkg/notify"
	"github.com/murmur-labs/scribed/pkg/resultcache"
	"github.com/murmur-labs/scribed/pkg/server"
	"github.com/murmur-labs/scribed/pkg/session"
	"github.com/murmur-labs/scribed/pkg/task"
	"github.com/spf13/cobra"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scribed server",
	Long: `Start the scribed transcription server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/scribed/config.yaml.

Examples:
  # Start in background (default)
  scribed start

  # Start in foreground
  scribed start --foreground

  # Start with custom config file
  scribed start --config /etc/scribed/config.yaml

  # Start with environment variable overrides
  SCRIBED_LOGGING_LEVEL=DEBUG scribed start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/scribed/scribed.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/scribed/scribed.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "scribed",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "scribed",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	fmt.Println("Scribed - WebSocket transcription server")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("Profiling disabled")
	}

	// Initialize Prometheus metrics (if enabled)
	var prom *promMetrics.Metrics
	if cfg.Metrics.Enabled {
		prom = promMetrics.New()
		logger.Info("Metrics enabled", "path", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Blob store for uploaded audio
	blobs, err := blob.New(blob.Config{
		BasePath:        cfg.Blob.Path,
		DeleteOnRelease: cfg.Blob.DeleteAfterTranscription,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	defer func() {
		if err := blobs.Close(); err != nil {
			logger.Error("blob store close error", logger.Err(err))
		}
	}()
	logger.Info("Blob store initialized", "path", cfg.Blob.Path, "delete_after_transcription", cfg.Blob.DeleteAfterTranscription)

	if cfg.Blob.Archive.Enabled {
		archive, err := blob.NewS3ArchiveFromConfig(ctx, blob.S3Config{
			Bucket:          cfg.Blob.Archive.Bucket,
			Region:          cfg.Blob.Archive.Region,
			Endpoint:        cfg.Blob.Archive.Endpoint,
			KeyPrefix:       cfg.Blob.Archive.KeyPrefix,
			AccessKeyID:     cfg.Blob.Archive.AccessKeyID,
			SecretAccessKey: cfg.Blob.Archive.SecretAccessKey,
			ForcePathStyle:  cfg.Blob.Archive.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize S3 archive: %w", err)
		}
		blobs = blobs.WithArchive(archive)
		logger.Info("S3 archive enabled", "bucket", cfg.Blob.Archive.Bucket, "prefix", cfg.Blob.Archive.KeyPrefix)
	}

	// Result cache. A disabled cache still needs a working store because the
	// output formats are derived through it; it just keeps nothing beyond the
	// completion retention window.
	cache, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize result cache: %w", err)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Error("result cache close error", logger.Err(err))
		}
	}()

	// Transcription engine behind a concurrency adapter
	if cfg.Engine.Command == "" {
		return fmt.Errorf("engine.command is not configured; set it to your transcriber executable")
	}
	factory := func() (engine.Engine, error) {
		return engine.NewCommand(engine.CommandConfig{
			Command:   cfg.Engine.Command,
			ModelPath: cfg.Engine.ModelPath,
			Language:  cfg.Engine.Language,
			ExtraArgs: cfg.Engine.ExtraArgs,
		})
	}
	eng, err := engine.NewAdapter(engine.AdapterConfig{
		Mode:     engine.Mode(cfg.Engine.ConcurrencyMode),
		PoolSize: cfg.Engine.PoolSize,
	}, factory)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	logger.Info("Engine initialized",
		"command", cfg.Engine.Command,
		"concurrency_mode", cfg.Engine.ConcurrencyMode,
		"pool_size", cfg.Engine.PoolSize)

	// Webhook notifier (nil when no URL configured)
	webhook := notify.NewWebhook(notify.Config{
		URL:         cfg.Notification.WebhookURL,
		Secret:      cfg.Notification.Secret,
		Timeout:     cfg.Notification.Timeout,
		MaxAttempts: cfg.Notification.MaxAttempts,
	})
	if webhook != nil {
		defer webhook.Close()
		logger.Info("Webhook notification enabled", "url", cfg.Notification.WebhookURL)
	}

	// Scheduler and session hub reference each other: the hub submits through
	// the scheduler, the scheduler fans events out through the hub. Break the
	// cycle with a sink closure over the hub variable; no event fires before a
	// session exists.
	var hub *session.Hub

	schedOpts := []task.Option{}
	if webhook != nil {
		schedOpts = append(schedOpts, task.WithNotifier(webhook))
	}
	if prom != nil {
		schedOpts = append(schedOpts, task.WithObserver(prom))
	}
	sched := task.NewScheduler(task.Config{
		MaxConcurrent:       cfg.Scheduler.MaxConcurrentTasks,
		MaxQueueSize:        cfg.Scheduler.MaxQueueSize,
		TaskTimeout:         cfg.Scheduler.TaskTimeout,
		MaxRetries:          cfg.Scheduler.RetryTimes,
		MaxFileSize:         int64(cfg.Scheduler.MaxFileSize),
		AllowedExtensions:   cfg.Scheduler.AllowedExtensions,
		MergeGap:            cfg.Scheduler.MergeGap,
		CompletionRetention: cfg.Scheduler.CompletionRetention,
	}, eng, cache, blobs, task.SinkFunc(func(ids []string, ev task.Event) {
		hub.Deliver(ids, ev)
	}), schedOpts...)

	// Token service for the auth handshake (if enabled)
	var tokens *auth.TokenService
	if cfg.Auth.Enabled {
		tokens, err = auth.NewTokenService(auth.Config{
			Secret:        cfg.Auth.Secret,
			TokenDuration: cfg.Auth.TokenDuration,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize token service: %w", err)
		}
		logger.Info("Authentication enabled", "token_duration", cfg.Auth.TokenDuration)
	} else {
		logger.Info("Authentication disabled")
	}

	var sessionMetrics metrics.SessionMetrics
	if prom != nil {
		sessionMetrics = prom
	}
	sessionCfg := session.Config{
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		ConnectionTimeout: cfg.Server.ConnectionTimeout,
		AuthTimeout:       cfg.Auth.AuthTimeout,
	}
	if cfg.Scheduler.MaxFileSize > 0 {
		// Single-shot uploads ride base64-encoded inside one frame.
		sessionCfg.MaxMessageBytes = int64(cfg.Scheduler.MaxFileSize)*4/3 + 64<<10
	}
	hub = session.NewHub(sessionCfg, cfg.Server.MaxConnections, session.Deps{
		Scheduler: sched,
		Blobs:     blobs,
		Auth:      tokens,
		Metrics:   sessionMetrics,
	})

	sched.Start()

	routerDeps := server.RouterDeps{
		Hub:       hub,
		Scheduler: sched,
		Cache:     cache,
		Version:   Version,
		Commit:    Commit,
	}
	if prom != nil {
		routerDeps.Metrics = prom.Handler()
	}

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.NewRouter(routerDeps))

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.", "addr", srv.Addr())

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for server to shut down gracefully
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", logger.Err(err))
			return err
		}
		shutdownGracefully(cfg, hub, sched)
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", logger.Err(err))
			return err
		}
		shutdownGracefully(cfg, hub, sched)
		logger.Info("Server stopped")
	}

	return nil
}

// shutdownGracefully closes client sessions and drains the worker pool.
func shutdownGracefully(cfg *config.Config, hub *session.Hub, sched *task.Scheduler) {
	hub.CloseAll()
	if err := sched.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Warn("scheduler drain incomplete", logger.Err(err))
	}
}

// buildCache selects the result cache backend from configuration.
func buildCache(cfg *config.Config) (*resultcache.Cache, error) {
	if !cfg.Cache.Enabled {
		// Results still need to survive until task records expire.
		return resultcache.New(resultcache.NewMemoryStore(), resultcache.Config{
			TTL:           cfg.Scheduler.CompletionRetention,
			SweepInterval: cfg.Scheduler.CompletionRetention / 2,
		}), nil
	}

	if cfg.Cache.Path == "" {
		store, err := resultcache.NewBadgerStoreInMemory()
		if err != nil {
			return nil, err
		}
		logger.Info("Result cache initialized", "backend", "memory", "ttl", cfg.Cache.TTL)
		return resultcache.New(store, resultcache.Config{
			TTL:           cfg.Cache.TTL,
			SweepInterval: cfg.Cache.SweepInterval,
		}), nil
	}

	store, err := resultcache.NewBadgerStore(cfg.Cache.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("Result cache initialized", "backend", "badger", "path", cfg.Cache.Path, "ttl", cfg.Cache.TTL)
	return resultcache.New(store, resultcache.Config{
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}), nil
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(stateDir, "scribed.pid")
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("scribed is already running (PID %d)\nUse 'scribed stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "scribed.log")
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	cmd := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("Scribed started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'scribed stop' to stop the server")
	fmt.Println("Use 'scribed status' to check server status")

	return nil
}
