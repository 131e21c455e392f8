package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// envPrefix is prepended to every variable name.
const envPrefix = "FASTPUBSUB_"

type Config struct {
	// database
	DatabaseURL         string
	DatabaseEcho        bool
	DatabasePoolSize    int
	DatabaseMaxOverflow int
	DatabasePoolPrePing bool

	// subscription defaults
	SubscriptionMaxAttempts       int
	SubscriptionBackoffMinSeconds int
	SubscriptionBackoffMaxSeconds int

	// api
	APIHost       string
	APIPort       int
	APINumWorkers int
	APIDebug      bool

	// workers
	CleanupAckedMessagesOlderThanSeconds     int
	CleanupStuckMessagesLockTimeoutSeconds   int

	// auth
	AuthEnabled                  bool
	AuthSecretKey                string
	AuthAlgorithm                string
	AuthAccessTokenExpireMinutes int

	// log
	LogLevel     string
	LogFormatter string
}

func Load() (*Config, error) {
	// .env is optional, variables may come from the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseEcho:        getEnvBool("DATABASE_ECHO", false),
		DatabasePoolSize:    getEnvInt("DATABASE_POOL_SIZE", 5),
		DatabaseMaxOverflow: getEnvInt("DATABASE_MAX_OVERFLOW", 10),
		DatabasePoolPrePing: getEnvBool("DATABASE_POOL_PRE_PING", true),

		SubscriptionMaxAttempts:       getEnvInt("SUBSCRIPTION_MAX_ATTEMPTS", 5),
		SubscriptionBackoffMinSeconds: getEnvInt("SUBSCRIPTION_BACKOFF_MIN_SECONDS", 5),
		SubscriptionBackoffMaxSeconds: getEnvInt("SUBSCRIPTION_BACKOFF_MAX_SECONDS", 300),

		APIHost:       getEnv("API_HOST", "0.0.0.0"),
		APIPort:       getEnvInt("API_PORT", 8000),
		APINumWorkers: getEnvInt("API_NUM_WORKERS", 1),
		APIDebug:      getEnvBool("API_DEBUG", false),

		CleanupAckedMessagesOlderThanSeconds:   getEnvInt("CLEANUP_ACKED_MESSAGES_OLDER_THAN_SECONDS", 3600),
		CleanupStuckMessagesLockTimeoutSeconds: getEnvInt("CLEANUP_STUCK_MESSAGES_LOCK_TIMEOUT_SECONDS", 60),

		AuthEnabled:                  getEnvBool("AUTH_ENABLED", false),
		AuthSecretKey:                getEnv("AUTH_SECRET_KEY", ""),
		AuthAlgorithm:                getEnv("AUTH_ALGORITHM", "HS256"),
		AuthAccessTokenExpireMinutes: getEnvInt("AUTH_ACCESS_TOKEN_EXPIRE_MINUTES", 15),

		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormatter: getEnv("LOG_FORMATTER", "json"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%sDATABASE_URL is required", envPrefix)
	}
	if cfg.SubscriptionMaxAttempts < 1 {
		return nil, fmt.Errorf("%sSUBSCRIPTION_MAX_ATTEMPTS must be >= 1", envPrefix)
	}
	if cfg.SubscriptionBackoffMinSeconds < 0 {
		return nil, fmt.Errorf("%sSUBSCRIPTION_BACKOFF_MIN_SECONDS must be >= 0", envPrefix)
	}
	if cfg.SubscriptionBackoffMaxSeconds < cfg.SubscriptionBackoffMinSeconds {
		return nil, fmt.Errorf(
			"%sSUBSCRIPTION_BACKOFF_MAX_SECONDS must be >= %sSUBSCRIPTION_BACKOFF_MIN_SECONDS",
			envPrefix, envPrefix)
	}
	if cfg.AuthEnabled && cfg.AuthSecretKey == "" {
		return nil, fmt.Errorf("%sAUTH_SECRET_KEY is required when auth is enabled", envPrefix)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
