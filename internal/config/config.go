package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// History backends understood by HistoryBackend.
const (
	HistoryHTTP     = "http"
	HistoryPostgres = "postgres"
	HistoryRedis    = "redis"
	HistoryNone     = "none"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Symptom checker backend
	CheckerBaseURL       string
	CheckerTimeout       time.Duration
	CheckerSessionCookie string

	// Conversation flow
	DefaultLanguage string
	ThinkingDelay   time.Duration
	PersistTimeout  time.Duration
	SessionIdleTTL  time.Duration

	// Chat history persistence
	HistoryBackend  string
	DatabaseURL     string
	MigrationsPath  string
	RedisAddr       string
	RedisPassword   string
	RedisHistoryTTL time.Duration

	// Report delivery
	TelegramBotToken string
	DoctorChatID     int64
	ReportFontPath   string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		CheckerBaseURL:       strings.TrimRight(getEnv("CHECKER_BASE_URL", "http://localhost:5000"), "/"),
		CheckerTimeout:       getEnvAsDuration("CHECKER_TIMEOUT", 30*time.Second),
		CheckerSessionCookie: getEnv("CHECKER_SESSION_COOKIE", ""),
		DefaultLanguage:      strings.ToLower(getEnv("DEFAULT_LANGUAGE", "en")),
		ThinkingDelay:        getEnvAsDuration("THINKING_DELAY", 800*time.Millisecond),
		PersistTimeout:       getEnvAsDuration("PERSIST_TIMEOUT", 5*time.Second),
		SessionIdleTTL:       getEnvAsDuration("SESSION_IDLE_TTL", 2*time.Hour),
		HistoryBackend:       strings.ToLower(strings.TrimSpace(getEnv("HISTORY_BACKEND", HistoryHTTP))),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		MigrationsPath:       getEnv("MIGRATIONS_PATH", "file://migrations"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisHistoryTTL:      getEnvAsDuration("REDIS_HISTORY_TTL", 7*24*time.Hour),
		TelegramBotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		DoctorChatID:         getEnvAsInt64("DOCTOR_CHAT_ID", 0),
		ReportFontPath:       getEnv("REPORT_FONT_PATH", ""),
	}
}

// TelegramEnabled reports whether reports can be shared with a doctor chat.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.DoctorChatID != 0
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	// bare integers are milliseconds
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
