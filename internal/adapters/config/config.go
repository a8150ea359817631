package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Exchanges  ExchangesConfig  `envconfig:"EXCHANGES"`
	Stream     StreamConfig     `envconfig:"STREAM"`
	Engine     EngineConfig     `envconfig:"ENGINE"`
	Signals    SignalsConfig    `envconfig:"SIGNALS"`
	AI         AIConfig         `envconfig:"AI"`
	Telegram   TelegramConfig   `envconfig:"TELEGRAM"`
	Server     ServerConfig     `envconfig:"SERVER"`
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
}

// ExchangesConfig represents exchange configurations
type ExchangesConfig struct {
	Binance ExchangeConfig `envconfig:"BINANCE"`
	Bybit   ExchangeConfig `envconfig:"BYBIT"`
}

// ExchangeConfig represents single exchange configuration.
// Keys here are service-level fallbacks; per-user keys come from the
// exchange credentials table.
type ExchangeConfig struct {
	APIKey      string        `envconfig:"API_KEY" required:"false"`
	Secret      string        `envconfig:"SECRET" required:"false"`
	Testnet     bool          `envconfig:"TESTNET" default:"false"`
	RESTTimeout time.Duration `envconfig:"REST_TIMEOUT" default:"10s"`
}

// StreamConfig tunes the market stream service.
type StreamConfig struct {
	TickerThrottle   time.Duration `envconfig:"STREAM_TICKER_THROTTLE" default:"2s"`
	ReconnectBase    time.Duration `envconfig:"STREAM_RECONNECT_BASE" default:"1s"`
	ReconnectMax     time.Duration `envconfig:"STREAM_RECONNECT_MAX" default:"30s"`
	WatchRecvTimeout time.Duration `envconfig:"STREAM_WATCH_RECV_TIMEOUT" default:"30s"`
}

// EngineConfig tunes the execution engine and autotrade loops.
type EngineConfig struct {
	AutotradeInterval   time.Duration `envconfig:"ENGINE_AUTOTRADE_INTERVAL" default:"60s"`
	PriceStreamInterval time.Duration `envconfig:"ENGINE_PRICE_STREAM_INTERVAL" default:"5s"`
}

// SignalsConfig tunes the telegram signal orchestrator.
type SignalsConfig struct {
	ProximityPct    float64       `envconfig:"SIGNALS_ENTRY_PROXIMITY_PCT" default:"0.5"`
	MonitorInterval time.Duration `envconfig:"SIGNALS_MONITOR_INTERVAL" default:"500ms"`
	SweeperInterval time.Duration `envconfig:"SIGNALS_SWEEPER_INTERVAL" default:"1m"`
}

// AIConfig represents the external signal analysis collaborator. The
// endpoint is any chat-completions compatible API.
type AIConfig struct {
	APIKey      string        `envconfig:"AI_API_KEY" required:"false"`
	Model       string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	BaseURL     string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1/chat/completions"`
	Timeout     time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
	Temperature float64       `envconfig:"AI_TEMPERATURE" default:"0.2"`
}

// TelegramConfig represents outbound Telegram notifier configuration
type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	Enabled  bool   `envconfig:"TELEGRAM_ENABLED" default:"false"`
}

// ServerConfig represents the HTTP listener for websocket clients and
// health checks.
type ServerConfig struct {
	Addr string `envconfig:"SERVER_ADDR" default:":8080"`
}

// DatabaseConfig represents database connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"signalkey"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// GetDSN builds postgres connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// ClickHouseConfig represents ClickHouse connection parameters for the
// append-only feature history.
type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Database string `envconfig:"CLICKHOUSE_DATABASE" default:"signalkey"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD" required:"false"`
}

// GetDSN builds ClickHouse connection string
func (c *ClickHouseConfig) GetDSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig represents Redis connection parameters for distributed
// locks (expiry sweeper, boot recovery).
type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:""`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Signals.ProximityPct <= 0 {
		return fmt.Errorf("entry proximity must be positive, got %v", c.Signals.ProximityPct)
	}
	if c.Stream.ReconnectBase > c.Stream.ReconnectMax {
		return fmt.Errorf("reconnect base %v exceeds max %v", c.Stream.ReconnectBase, c.Stream.ReconnectMax)
	}
	return nil
}
