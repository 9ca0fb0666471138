package config

import (
	"os"
	"strconv"
)

// Config centralizes runtime settings for the worker fleet.
type Config struct {
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAITimeoutMS  int
	OpenAIMaxRetries int
	DefaultModel     string

	TelegramBaseURL string
	TelegramRPS     float64
	TelegramBurst   int

	AdminBotToken string
	AdminChatID   int64

	WorkerEnabled    bool
	WorkerTeamSize   int
	QueueMaxAttempts int
	DebounceMS       int

	RecoverySweepEnabled   bool
	RecoverySweepSeconds   int
	RecoverySweepBatchSize int

	AlertDedupeSeconds int

	OpsPort        string
	OpsAuthToken   string
	RateLimitRPS   float64
	RateLimitBurst int

	MetricsPort string
	LogLevel    string
}

func Load() Config {
	return Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "bot_jobs"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "bot_jobs_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "bot_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "worker-1"),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAITimeoutMS:  getEnvInt("OPENAI_TIMEOUT_MS", 120000),
		OpenAIMaxRetries: getEnvInt("OPENAI_MAX_RETRIES", 2),
		DefaultModel:     getEnv("DEFAULT_MODEL", "gpt-4o-mini"),

		TelegramBaseURL: getEnv("TELEGRAM_BASE_URL", "https://api.telegram.org"),
		TelegramRPS:     getEnvFloat("TELEGRAM_RATE_LIMIT_RPS", 25),
		TelegramBurst:   getEnvInt("TELEGRAM_RATE_LIMIT_BURST", 30),

		AdminBotToken: getEnv("ADMIN_BOT_TOKEN", ""),
		AdminChatID:   getEnvInt64("ADMIN_CHAT_ID", 0),

		WorkerEnabled:    getEnvBool("WORKER_ENABLED", true),
		WorkerTeamSize:   getEnvInt("WORKER_TEAM_SIZE", 4),
		QueueMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		DebounceMS:       getEnvInt("STREAM_DEBOUNCE_MS", 1000),

		RecoverySweepEnabled:   getEnvBool("RECOVERY_SWEEP_ENABLED", true),
		RecoverySweepSeconds:   getEnvInt("RECOVERY_SWEEP_SECONDS", 300),
		RecoverySweepBatchSize: getEnvInt("RECOVERY_SWEEP_BATCH_SIZE", 50),

		AlertDedupeSeconds: getEnvInt("ALERT_DEDUPE_SECONDS", 3600),

		OpsPort:        getEnv("OPS_PORT", "8080"),
		OpsAuthToken:   getEnv("OPS_AUTH_TOKEN", ""),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		MetricsPort: getEnv("METRICS_PORT", "9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
