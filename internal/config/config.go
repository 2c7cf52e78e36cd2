package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Feed       FeedConfig
	History    HistoryConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
	Archive    ArchiveConfig
	Datafeed   DatafeedConfig
	Watchlist  WatchlistConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	GRPCPort    int
	HTTPPort    int
	Environment string
}

// FeedConfig configures the market-data WebSocket
type FeedConfig struct {
	URL            string
	ProxyURL       string
	PingInterval   time.Duration
	RetryDelay     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendRate       float64
	SendBurst      int
}

const (
	HistorySourceREST       = "rest"
	HistorySourceClickHouse = "clickhouse"

	CursorStoreMemory = "memory"
	CursorStoreRedis  = "redis"
)

type HistoryConfig struct {
	Source      string
	BaseURL     string
	PageLimit   int
	Timeout     time.Duration
	CursorStore string
	CursorTTL   time.Duration
}

type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type ArchiveConfig struct {
	Enabled            bool
	BatchWriteSize     int
	BatchWriteInterval time.Duration
	LatestBarTTL       time.Duration
}

type DatafeedConfig struct {
	DedupWindow      time.Duration
	LivenessInterval time.Duration
	StaleThreshold   time.Duration
	MaxFutureSkew    time.Duration
	FinerPolicy      string
	CoarserPolicy    string
	RegressionPolicy string
}

type WatchlistConfig struct {
	Path            string
	RefreshInterval time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	sendRate, err := strconv.ParseFloat(getEnv("WS_SEND_RATE", "20"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid WS_SEND_RATE: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			GRPCPort:    getEnvInt("SERVER_PORT", 50051),
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Feed: FeedConfig{
			URL:            getEnv("WS_URL", "wss://api.nyyu.io/ws"),
			ProxyURL:       getEnv("WS_PROXY_URL", ""),
			PingInterval:   parseDuration(getEnv("WS_PING_INTERVAL", "30s"), 30*time.Second),
			RetryDelay:     parseDuration(getEnv("WS_RETRY_DELAY", "500ms"), 500*time.Millisecond),
			InitialBackoff: parseDuration(getEnv("WS_INITIAL_BACKOFF", "1s"), time.Second),
			MaxBackoff:     parseDuration(getEnv("WS_MAX_BACKOFF", "30s"), 30*time.Second),
			SendRate:       sendRate,
			SendBurst:      getEnvInt("WS_SEND_BURST", 10),
		},
		History: HistoryConfig{
			Source:      strings.ToLower(getEnv("HISTORY_SOURCE", HistorySourceREST)),
			BaseURL:     getEnv("HISTORY_BASE_URL", "https://api.nyyu.io"),
			PageLimit:   getEnvInt("HISTORY_PAGE_LIMIT", 300),
			Timeout:     parseDuration(getEnv("HISTORY_TIMEOUT", "10s"), 10*time.Second),
			CursorStore: strings.ToLower(getEnv("CURSOR_STORE", CursorStoreMemory)),
			CursorTTL:   parseDuration(getEnv("CURSOR_TTL", "24h"), 24*time.Hour),
		},
		ClickHouse: ClickHouseConfig{
			Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:     getEnvInt("CLICKHOUSE_PORT", 9000),
			Database: getEnv("CLICKHOUSE_DATABASE", "trade"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Archive: ArchiveConfig{
			Enabled:            getEnvBool("ARCHIVE_ENABLED", true),
			BatchWriteSize:     getEnvInt("BATCH_WRITE_SIZE", 100),
			BatchWriteInterval: parseDuration(getEnv("BATCH_WRITE_INTERVAL", "1s"), time.Second),
			LatestBarTTL:       parseDuration(getEnv("LATEST_BAR_TTL", "10m"), 10*time.Minute),
		},
		Datafeed: DatafeedConfig{
			DedupWindow:      parseDuration(getEnv("DEDUP_WINDOW", "1s"), time.Second),
			LivenessInterval: parseDuration(getEnv("LIVENESS_INTERVAL", "30s"), 30*time.Second),
			StaleThreshold:   parseDuration(getEnv("STALE_THRESHOLD", "2m"), 2*time.Minute),
			MaxFutureSkew:    parseDuration(getEnv("MAX_FUTURE_SKEW", "5m"), 5*time.Minute),
			FinerPolicy:      getEnv("FINER_POLICY", "permissive"),
			CoarserPolicy:    getEnv("COARSER_POLICY", "reject"),
			RegressionPolicy: getEnv("REGRESSION_POLICY", "clamp"),
		},
		Watchlist: WatchlistConfig{
			Path:            getEnv("WATCHLIST_PATH", "watchlist.yaml"),
			RefreshInterval: parseDuration(getEnv("WATCHLIST_REFRESH", "1m"), time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("WS_URL is required")
	}
	switch c.History.Source {
	case HistorySourceREST:
		if c.History.BaseURL == "" {
			return fmt.Errorf("HISTORY_BASE_URL is required for the rest history source")
		}
	case HistorySourceClickHouse:
	default:
		return fmt.Errorf("unknown HISTORY_SOURCE %q", c.History.Source)
	}
	if c.History.CursorStore != CursorStoreMemory && c.History.CursorStore != CursorStoreRedis {
		return fmt.Errorf("unknown CURSOR_STORE %q", c.History.CursorStore)
	}
	if c.NeedsClickHouse() && c.ClickHouse.Host == "" {
		return fmt.Errorf("CLICKHOUSE_HOST is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	return nil
}

// NeedsClickHouse reports whether any component reads or writes the bar archive
func (c *Config) NeedsClickHouse() bool {
	return c.Archive.Enabled || c.History.Source == HistorySourceClickHouse
}

func (c *ClickHouseConfig) DSN() string {
	return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s?dial_timeout=10s&max_execution_time=60",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
