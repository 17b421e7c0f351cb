package main

import (
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskflow/internal/config"
	"github.com/phrazzld/taskflow/internal/platform/logger"
)

// loadAppConfig loads the application configuration from defaults, an
// optional config file and environment variables.
func loadAppConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// setupAppLogger installs the structured logger and records the settings
// that matter when diagnosing a deployment.
func setupAppLogger(cfg *config.Config) (*slog.Logger, error) {
	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	l.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"channel_backend", cfg.Channel.Backend,
		"llm_backend", cfg.LLM.Backend,
		"provider_enabled", cfg.Provider.BaseURL != "")
	l.Debug("auth configuration", "jwt_secret_present", cfg.Auth.JWTSecret != "")
	return l, nil
}
