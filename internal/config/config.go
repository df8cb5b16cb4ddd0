package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string

	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration

	// Admission control and cache freshness.
	MinSampleInterval time.Duration
	LatestLocationTTL time.Duration
	ActiveListTTL     time.Duration
	RecencyWindow     time.Duration
	FutureSkew        time.Duration
	MaxBatchSize      int

	// Retention sweep defaults; SweepInterval of zero disables the scheduler
	// and leaves the sweep endpoint as the only trigger.
	RetentionDays    int
	KeepEveryNth     int
	InactivityWindow time.Duration
	SweepInterval    time.Duration

	// HTTP request limiting, per client IP.
	RateLimit       int
	RateLimitWindow time.Duration

	// Optional S3 archive of retention-swept samples. Empty bucket disables.
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		PostgresUser:     getEnv("POSTGRES_USER", "fleet"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "fleet_ingest"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 12),
		MaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", 4),
		ConnMaxLifetime:  getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		StatementTimeout: getEnvDuration("DB_STATEMENT_TIMEOUT", 15*time.Second),

		MinSampleInterval: getEnvDuration("MIN_SAMPLE_INTERVAL", 8*time.Second),
		LatestLocationTTL: getEnvDuration("LATEST_LOCATION_TTL", 15*time.Second),
		ActiveListTTL:     getEnvDuration("ACTIVE_LIST_TTL", 30*time.Second),
		RecencyWindow:     getEnvDuration("RECENCY_WINDOW", 30*time.Minute),
		FutureSkew:        getEnvDuration("FUTURE_SKEW", 5*time.Minute),
		MaxBatchSize:      getEnvInt("MAX_BATCH_SIZE", 50),

		RetentionDays:    getEnvInt("RETENTION_DAYS", 7),
		KeepEveryNth:     getEnvInt("KEEP_EVERY_NTH", 10),
		InactivityWindow: getEnvDuration("INACTIVITY_WINDOW", 2*time.Hour),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 0),

		RateLimit:       getEnvInt("RATE_LIMIT", 100),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Region:    getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3Prefix:    getEnv("S3_PREFIX", "retention"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
