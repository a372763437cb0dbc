package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	OddsAPI  OddsAPIConfig  `mapstructure:"oddsapi"`
	Filter   FilterConfig   `mapstructure:"filter"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// OddsAPIConfig holds odds feed configuration
type OddsAPIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Sport          string        `mapstructure:"sport"`
	Regions        []string      `mapstructure:"regions"`
	Markets        []string      `mapstructure:"markets"`
	Bookmaker      string        `mapstructure:"bookmaker"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// FilterConfig holds league and market filtering rules
type FilterConfig struct {
	LeaguesAllow []string `mapstructure:"leagues_allow"`
	LeaguesDeny  []string `mapstructure:"leagues_deny"`
	MarketTypes  []string `mapstructure:"market_types"`
}

// TrackerConfig holds price-drop detection settings
type TrackerConfig struct {
	WindowSize         int           `mapstructure:"window_size"`
	DropThreshold      float64       `mapstructure:"drop_threshold"`
	KeyTTL             time.Duration `mapstructure:"key_ttl"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DBPath               string        `mapstructure:"db_path"`
	RecordObservations   bool          `mapstructure:"record_observations"`
	ObservationRetention time.Duration `mapstructure:"observation_retention"`
}

// RedisConfig holds alert stream publishing configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
}

// ServerConfig holds the status/keep-alive HTTP server configuration
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// ODDSWATCH_ODDSAPI_API_KEY overrides oddsapi.api_key
	v.SetEnvPrefix("ODDSWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("oddsapi.base_url", "https://api.the-odds-api.com")
	v.SetDefault("oddsapi.api_key", "")
	v.SetDefault("oddsapi.sport", "soccer")
	v.SetDefault("oddsapi.regions", []string{"eu"})
	v.SetDefault("oddsapi.markets", []string{"h2h", "totals"})
	v.SetDefault("oddsapi.bookmaker", "") // empty = first bookmaker listed per match
	v.SetDefault("oddsapi.poll_interval", "2m")
	v.SetDefault("oddsapi.timeout", "30s")
	v.SetDefault("oddsapi.max_retries", 3)
	v.SetDefault("oddsapi.retry_delay_base", "1s")

	v.SetDefault("tracker.window_size", 15)
	v.SetDefault("tracker.drop_threshold", 12.0)
	v.SetDefault("tracker.key_ttl", "0s") // 0 = keep keys for the process lifetime
	v.SetDefault("tracker.checkpoint_interval", 10)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "")
	v.SetDefault("storage.record_observations", false)
	v.SetDefault("storage.observation_retention", "168h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "odds.alerts")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.OddsAPI.BaseURL == "" {
		return fmt.Errorf("oddsapi.base_url is required")
	}
	if c.OddsAPI.APIKey == "" {
		return fmt.Errorf("oddsapi.api_key is required")
	}
	if c.OddsAPI.Sport == "" {
		return fmt.Errorf("oddsapi.sport is required")
	}
	if len(c.OddsAPI.Regions) == 0 {
		return fmt.Errorf("oddsapi.regions must contain at least one region")
	}
	if len(c.OddsAPI.Markets) == 0 {
		return fmt.Errorf("oddsapi.markets must contain at least one market")
	}
	if c.OddsAPI.PollInterval < 1*time.Minute {
		return fmt.Errorf("oddsapi.poll_interval must be at least 1 minute")
	}
	if c.OddsAPI.Timeout <= 0 {
		return fmt.Errorf("oddsapi.timeout must be positive")
	}
	if c.OddsAPI.MaxRetries < 1 {
		return fmt.Errorf("oddsapi.max_retries must be at least 1")
	}

	if c.Tracker.WindowSize < 2 {
		return fmt.Errorf("tracker.window_size must be at least 2")
	}
	if c.Tracker.DropThreshold <= 0 || c.Tracker.DropThreshold >= 100 {
		return fmt.Errorf("tracker.drop_threshold must be between 0 and 100 (exclusive)")
	}
	if c.Tracker.KeyTTL < 0 {
		return fmt.Errorf("tracker.key_ttl must not be negative")
	}
	if c.Tracker.CheckpointInterval < 1 {
		return fmt.Errorf("tracker.checkpoint_interval must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.ObservationRetention < 0 {
		return fmt.Errorf("storage.observation_retention must not be negative")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis is enabled")
		}
		if c.Redis.Stream == "" {
			return fmt.Errorf("redis.stream is required when redis is enabled")
		}
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
