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
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LogLevel               string
	KafkaBrokers           string
	StockEventsTopic       string
	CatalogCacheTTLSeconds int
	OrderLockTTLSeconds    int
	LowStockThreshold      int
	ConflictRetryAttempts  int
	SeedAdminPassword      string
}

// Load reads the environment, after merging a .env file when one exists.
// Variables already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getInt("REDIS_DB", 0, 0),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		KafkaBrokers:           strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		StockEventsTopic:       getEnv("STOCK_EVENTS_TOPIC", "stock.changed"),
		CatalogCacheTTLSeconds: getInt("CATALOG_CACHE_TTL_SECONDS", 300, 0),
		OrderLockTTLSeconds:    getInt("ORDER_LOCK_TTL_SECONDS", 10, 1),
		LowStockThreshold:      getInt("LOW_STOCK_THRESHOLD", 5, 0),
		ConflictRetryAttempts:  getInt("CONFLICT_RETRY_ATTEMPTS", 4, 1),
		SeedAdminPassword:      os.Getenv("SEED_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}

func (c Config) OrderLockTTL() time.Duration {
	return time.Duration(c.OrderLockTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < min {
		return fallback
	}
	return n
}
