package webhook

import (
	"fmt"

	"github.com/mattjoyce/wxgate/internal/config"
)

// FromGlobalConfig converts the service configuration into a webhook.Config.
// Sizes are parsed here so the server works with bytes only.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("config is nil")
	}

	maxBodySize, err := config.ParseSize(cfg.Server.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("invalid server.max_body_size %q: %w", cfg.Server.MaxBodySize, err)
	}

	return Config{
		Listen:       cfg.Server.Listen,
		Path:         cfg.Server.Path,
		MaxBodySize:  maxBodySize,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Unsupported:  cfg.Reply.Unsupported,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = config.DefaultMaxBodySize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Unsupported == "" {
		c.Unsupported = config.DefaultUnsupported
	}
	return c
}
