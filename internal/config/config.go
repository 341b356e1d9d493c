package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LedgerConfig locates the external indexing service.
type LedgerConfig struct {
	ServiceURL     string        `mapstructure:"service_url"`
	WSURL          string        `mapstructure:"ws_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type PoolConfig struct {
	Size                int           `mapstructure:"size"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	MaxInFlight         int64         `mapstructure:"max_in_flight"`
}

type CacheConfig struct {
	BalanceTTL    time.Duration `mapstructure:"balance_ttl"`
	HistoryTTL    time.Duration `mapstructure:"history_ttl"`
	MediaCapacity int           `mapstructure:"media_capacity"`
}

type RateLimitConfig struct {
	TransactionLimit int           `mapstructure:"transaction_limit"`
	APICallLimit     int           `mapstructure:"api_call_limit"`
	Window           time.Duration `mapstructure:"window"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

type MonitorConfig struct {
	AccountID                 string        `mapstructure:"account_id"`
	LargeTransactionThreshold float64       `mapstructure:"large_transaction_threshold"`
	LowBalanceThreshold       float64       `mapstructure:"low_balance_threshold"`
	SuspiciousActivityWindow  time.Duration `mapstructure:"suspicious_activity_window"`
	MaxTransactionsPerWindow  int           `mapstructure:"max_transactions_per_window"`
	MaxReconnectAttempts      int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay        time.Duration `mapstructure:"reconnect_base_delay"`
	EnableNotifications       bool          `mapstructure:"enable_notifications"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()
	overrideWithEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Monitor.AccountID == "" {
		return nil, fmt.Errorf("monitor.account_id is required")
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("redis.pool_size", 20)
	viper.SetDefault("redis.min_idle_conns", 5)

	viper.SetDefault("rabbitmq.exchange", "ledger.alerts")

	viper.SetDefault("ledger.service_url", "https://horizon.example.org")
	viper.SetDefault("ledger.request_timeout", "30s")

	viper.SetDefault("pool.size", 3)
	viper.SetDefault("pool.health_check_interval", "30s")
	viper.SetDefault("pool.max_retries", 3)
	viper.SetDefault("pool.max_in_flight", 50)

	viper.SetDefault("cache.balance_ttl", "30s")
	viper.SetDefault("cache.history_ttl", "300s")
	viper.SetDefault("cache.media_capacity", 100)

	viper.SetDefault("ratelimit.transaction_limit", 10)
	viper.SetDefault("ratelimit.api_call_limit", 60)
	viper.SetDefault("ratelimit.window", "1m")
	viper.SetDefault("ratelimit.max_retries", 3)
	viper.SetDefault("ratelimit.base_backoff", "1s")
	viper.SetDefault("ratelimit.max_backoff", "32s")

	viper.SetDefault("monitor.large_transaction_threshold", 1000.0)
	viper.SetDefault("monitor.low_balance_threshold", 10.0)
	viper.SetDefault("monitor.suspicious_activity_window", "5m")
	viper.SetDefault("monitor.max_transactions_per_window", 10)
	viper.SetDefault("monitor.max_reconnect_attempts", 5)
	viper.SetDefault("monitor.reconnect_base_delay", "1s")
	viper.SetDefault("monitor.enable_notifications", true)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func overrideWithEnv() {
	if url := os.Getenv("LEDGER_SERVICE_URL"); url != "" {
		viper.Set("ledger.service_url", url)
	}
	if wsURL := os.Getenv("LEDGER_WS_URL"); wsURL != "" {
		viper.Set("ledger.ws_url", wsURL)
	}
	if account := os.Getenv("WATCH_ACCOUNT_ID"); account != "" {
		viper.Set("monitor.account_id", account)
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		viper.Set("redis.url", redisURL)
	}
	if rabbitURL := os.Getenv("RABBITMQ_URL"); rabbitURL != "" {
		viper.Set("rabbitmq.url", rabbitURL)
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		viper.Set("logging.level", logLevel)
	}
}
