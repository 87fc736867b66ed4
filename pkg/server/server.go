// Package server exposes the service over HTTP: the WebSocket endpoint,
// health and status probes, and the optional metrics scrape.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/murmur-labs/scribed/internal/logger"
)

// Config holds the HTTP listener settings.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8765
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	// WriteTimeout stays zero: WebSocket sessions outlive any fixed
	// response deadline, so per-write deadlines are handled in the session.
}

// Server is the HTTP front of the service.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// New creates a server around the given router. Call Start to begin serving.
func New(config Config, handler http.Handler) *Server {
	config.applyDefaults()

	return &Server{
		config: config,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Start serves until the context is cancelled or the listener fails, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown: %w", err)
			logger.Error("server shutdown error", logger.Err(err))
		} else {
			logger.Info("server stopped gracefully")
		}
	})
	return shutdownErr
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}
