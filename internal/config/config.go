package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	LogLevel string

	SiteRegistryPath string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// RedisAddr enables the shared provider quota bucket when set.
	RedisAddr     string
	RedisPassword string

	Ingest IngestConfig
	Poller PollerConfig
}

// IngestConfig carries defaults for the batch ingestion run. CLI flags
// override individual fields.
type IngestConfig struct {
	Workers              int
	InitialPageSize      int
	MinPageSize          int
	MaxAttempts          int
	RequestDelay         time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxConsecutiveEmpty  int
	DegradedMeterMinimum int
}

// PollerConfig controls the live-reading and transaction poll loops.
type PollerConfig struct {
	LiveInterval        time.Duration
	TransactionInterval time.Duration
	TransactionPageSize int
	TransactionLookback time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "voltara"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		LogLevel: getenv("LOG_LEVEL", "info"),

		SiteRegistryPath: getenv("SITE_REGISTRY", "sites.yaml"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "voltara"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Ingest: IngestConfig{
			Workers:              getenvInt("INGEST_WORKERS", 4),
			InitialPageSize:      getenvInt("INGEST_PAGE_SIZE", 1000),
			MinPageSize:          getenvInt("INGEST_MIN_PAGE_SIZE", 50),
			MaxAttempts:          getenvInt("INGEST_MAX_ATTEMPTS", 5),
			RequestDelay:         getenvDuration("INGEST_REQUEST_DELAY", 500*time.Millisecond),
			BackoffBase:          getenvDuration("INGEST_BACKOFF_BASE", time.Second),
			BackoffCap:           getenvDuration("INGEST_BACKOFF_CAP", 30*time.Second),
			MaxConsecutiveEmpty:  getenvInt("INGEST_MAX_CONSECUTIVE_EMPTY", 7),
			DegradedMeterMinimum: getenvInt("INGEST_DEGRADED_METER_MINIMUM", 20),
		},
		Poller: PollerConfig{
			LiveInterval:        getenvDuration("POLLER_LIVE_INTERVAL", 5*time.Minute),
			TransactionInterval: getenvDuration("POLLER_TRANSACTION_INTERVAL", 15*time.Minute),
			TransactionPageSize: getenvInt("POLLER_TRANSACTION_PAGE_SIZE", 100),
			TransactionLookback: getenvDuration("POLLER_TRANSACTION_LOOKBACK", 48*time.Hour),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
