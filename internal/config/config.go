package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	AllowedOrigin      string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	SyncAPIKey         string
	SyncTimeoutSeconds int
	SessionTTLMinutes  int
	NotifyURL          string
	NotifyAppID        string
	NotifyAPIKey       string
	NotifyQueueSize    int
}

func Load() Config {
	// A missing .env file is fine; env vars win either way.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	sessionTTL, err := strconv.Atoi(getEnv("SESSION_TTL_MINUTES", "480"))
	if err != nil || sessionTTL < 1 {
		sessionTTL = 480
	}
	syncTimeout, err := strconv.Atoi(getEnv("SYNC_TIMEOUT_SECONDS", "30"))
	if err != nil || syncTimeout < 1 {
		syncTimeout = 30
	}
	queueSize, err := strconv.Atoi(getEnv("NOTIFY_QUEUE_SIZE", "64"))
	if err != nil || queueSize < 1 {
		queueSize = 64
	}

	cfg := Config{
		Port:               getEnv("PORT", "8080"),
		AllowedOrigin:      getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            redisDB,
		SyncAPIKey:         strings.TrimSpace(os.Getenv("SYNC_API_KEY")),
		SyncTimeoutSeconds: syncTimeout,
		SessionTTLMinutes:  sessionTTL,
		NotifyURL:          strings.TrimSpace(os.Getenv("NOTIFY_URL")),
		NotifyAppID:        strings.TrimSpace(os.Getenv("NOTIFY_APP_ID")),
		NotifyAPIKey:       strings.TrimSpace(os.Getenv("NOTIFY_API_KEY")),
		NotifyQueueSize:    queueSize,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
