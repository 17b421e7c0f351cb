package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
	Provider ProviderConfig `mapstructure:"provider"`
	Task     TaskConfig     `mapstructure:"task" validate:"required"`
	Stream   StreamConfig   `mapstructure:"stream" validate:"required"`
	Channel  ChannelConfig  `mapstructure:"channel" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"gte=1"`
}

// LLMConfig selects the backend that executes text analysis tasks.
type LLMConfig struct {
	Backend         string `mapstructure:"backend" validate:"required,oneof=gemini anthropic openai none"`
	GeminiAPIKey    string `mapstructure:"gemini_api_key" validate:"required_if=Backend gemini"`
	GeminiModel     string `mapstructure:"gemini_model"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" validate:"required_if=Backend anthropic"`
	AnthropicModel  string `mapstructure:"anthropic_model"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key" validate:"required_if=Backend openai"`
	OpenAIModel     string `mapstructure:"openai_model"`
	MaxTokens       int    `mapstructure:"max_tokens" validate:"gte=1"`
}

// ProviderConfig points at the external media generation provider. An empty
// BaseURL disables image, video and voice execution.
type ProviderConfig struct {
	BaseURL      string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// TaskConfig controls the background runner.
type TaskConfig struct {
	ImageWorkers     int           `mapstructure:"image_workers" validate:"gte=1"`
	VideoWorkers     int           `mapstructure:"video_workers" validate:"gte=1"`
	VoiceWorkers     int           `mapstructure:"voice_workers" validate:"gte=1"`
	TextWorkers      int           `mapstructure:"text_workers" validate:"gte=1"`
	QueueSize        int           `mapstructure:"queue_size" validate:"gte=1"`
	StaleTaskAge     time.Duration `mapstructure:"stale_task_age" validate:"gt=0"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval" validate:"gt=0"`
}

// StreamConfig controls SSE delivery.
type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	ReplayPageSize    int           `mapstructure:"replay_page_size" validate:"gte=1,lte=5000"`
	DedupWindow       time.Duration `mapstructure:"dedup_window" validate:"gt=0"`
	DedupMaxEntries   int           `mapstructure:"dedup_max_entries" validate:"gte=1"`
	ListenerBuffer    int           `mapstructure:"listener_buffer" validate:"gte=1"`
}

// ChannelConfig selects the live fan-out backend.
type ChannelConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=memory postgres"`
}
