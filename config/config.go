package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the gateway.
type Config struct {
	Port        string
	DatabaseURL string
	DBDriver    string // "postgres" or "sqlite"

	RabbitURL         string
	RabbitQueuePrefix string
	JobQueue          string
	JobMaxAttempts    int
	JobRetryBaseDelay time.Duration

	WorkerConcurrency int

	AIBaseURL     string
	AIAPIKey      string
	OwnerModel    string
	CustomerModel string

	EncryptionKey string

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	BreakerThreshold int
	BreakerTimeout   time.Duration
	BreakerMode      string // "fail-open" or "fail-closed"

	BackupCronSpec string

	S3Enabled   bool
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	S3PublicURL string

	QRInTerminal bool
}

// LoadConfig loads configuration from environment variables, reading a .env
// file first when present. DATABASE_URL and RABBITMQ_URL are required; a
// missing value aborts startup in main.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBDriver:          getEnv("DB_DRIVER", "postgres"),
		RabbitURL:         os.Getenv("RABBITMQ_URL"),
		RabbitQueuePrefix: getEnv("RABBITMQ_QUEUE_PREFIX", "pawzap"),
		JobQueue:          getEnv("RABBITMQ_JOB_QUEUE", "inbound_messages"),
		JobMaxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobRetryBaseDelay: getEnvDuration("JOB_RETRY_BASE_DELAY_MS", 2000),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 5),

		AIBaseURL:     getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
		AIAPIKey:      os.Getenv("AI_API_KEY"),
		OwnerModel:    getEnv("AI_OWNER_MODEL", "gpt-4o"),
		CustomerModel: getEnv("AI_CUSTOMER_MODEL", "gpt-4o-mini"),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY_MS", 2000),
		ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY_MS", 30000),

		BreakerThreshold: getEnvInt("CIRCUIT_BREAKER_THRESHOLD", 3),
		BreakerTimeout:   getEnvDuration("CIRCUIT_BREAKER_TIMEOUT_MS", 30000),
		BreakerMode:      getEnv("CIRCUIT_BREAKER_MODE", "fail-closed"),

		BackupCronSpec: getEnv("SESSION_BACKUP_CRON", "0 */6 * * *"),

		S3Enabled:   getEnv("S3_ENABLED", "") == "true",
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3PathStyle: getEnv("S3_PATH_STYLE", "") == "true",
		S3PublicURL: os.Getenv("S3_PUBLIC_URL"),

		QRInTerminal: getEnv("QR_IN_TERMINAL", "") == "true",
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RabbitURL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
	}
	return fallback
}

func getEnvDuration(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
