package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// TASKFLOW_DATABASE_URL for database.url.
const EnvPrefix = "TASKFLOW"

var defaults = map[string]any{
	"server.port":             8080,
	"server.log_level":        "info",
	"server.shutdown_timeout": 10 * time.Second,

	"database.url":            "",
	"database.max_open_conns": 25,
	"database.auto_migrate":   false,

	"auth.jwt_secret":             "",
	"auth.token_lifetime_minutes": 60,

	"llm.backend":           "none",
	"llm.gemini_api_key":    "",
	"llm.gemini_model":      "gemini-2.0-flash",
	"llm.anthropic_api_key": "",
	"llm.anthropic_model":   "claude-3-5-haiku-latest",
	"llm.openai_api_key":    "",
	"llm.openai_model":      "gpt-4o-mini",
	"llm.max_tokens":        4096,

	"provider.base_url":      "",
	"provider.api_key":       "",
	"provider.poll_interval": 2 * time.Second,
	"provider.timeout":       15 * time.Minute,

	"task.image_workers":     4,
	"task.video_workers":     2,
	"task.voice_workers":     2,
	"task.text_workers":      2,
	"task.queue_size":        256,
	"task.stale_task_age":    10 * time.Minute,
	"task.watchdog_interval": time.Minute,

	"stream.heartbeat_interval": 15 * time.Second,
	"stream.replay_page_size":   500,
	"stream.dedup_window":       10 * time.Second,
	"stream.dedup_max_entries":  2048,
	"stream.listener_buffer":    256,

	"channel.backend": "postgres",
}

// Load configuration from defaults, an optional config.yaml in the working
// directory, and TASKFLOW_ environment variables, in increasing precedence.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
