package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultTenantID is assigned to usage events that arrive without a tenant.
const DefaultTenantID = "default"

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Streams   StreamConfig
	RateLimit RateLimitConfig

	OTLPEndpoint string
}

// StreamConfig controls the Redis Streams delivery substrate.
type StreamConfig struct {
	UsageEvents  string
	UsageChanges string

	ConsumerBatchSize int
	BlockTimeout      time.Duration
	ClaimInterval     time.Duration
	RetryLimit        int
}

// RateLimitConfig guards the usage publish endpoint.
type RateLimitConfig struct {
	Enabled      bool
	PublishRate  float64
	PublishBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "tokenmeter"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tokenmeter"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Streams: StreamConfig{
			UsageEvents:       getenv("STREAM_USAGE_EVENTS", "usage:events"),
			UsageChanges:      getenv("STREAM_USAGE_CHANGES", "usage:changes"),
			ConsumerBatchSize: getenvInt("STREAM_CONSUMER_BATCH_SIZE", 25),
			BlockTimeout:      getenvDuration("STREAM_BLOCK_TIMEOUT", 5*time.Second),
			ClaimInterval:     getenvDuration("STREAM_CLAIM_INTERVAL", 30*time.Second),
			RetryLimit:        getenvInt("STREAM_RETRY_LIMIT", 3),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			PublishRate:  getenvFloat("RATE_LIMIT_PUBLISH_RATE", 50),
			PublishBurst: getenvInt("RATE_LIMIT_PUBLISH_BURST", 100),
		},

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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
