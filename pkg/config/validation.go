package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags plus
// the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Engine.ConcurrencyMode == "pool" && cfg.Engine.PoolSize < 1 {
		return fmt.Errorf("engine.pool_size must be at least 1 in pool mode")
	}
	if cfg.Cache.Enabled && cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if cfg.Server.HeartbeatInterval >= cfg.Server.ConnectionTimeout {
		return fmt.Errorf("server.heartbeat_interval (%s) must be shorter than server.connection_timeout (%s)",
			cfg.Server.HeartbeatInterval, cfg.Server.ConnectionTimeout)
	}

	return nil
}
