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
	Port            string
	AllowedOrigin   string
	CatalogBaseURL  string
	CatalogToken    string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DraftDebounceMS int
	DraftTTLHours   int
	AuthSecret      string
	TokenTTLMinutes int
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first, without overriding variables already set.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	debounce, err := strconv.Atoi(getEnv("DRAFT_DEBOUNCE_MS", "500"))
	if err != nil || debounce < 1 {
		debounce = 500
	}
	ttlHours, err := strconv.Atoi(getEnv("DRAFT_TTL_HOURS", "336"))
	if err != nil || ttlHours < 1 {
		ttlHours = 336
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		CatalogBaseURL:  strings.TrimSpace(os.Getenv("CATALOG_BASE_URL")),
		CatalogToken:    strings.TrimSpace(os.Getenv("CATALOG_TOKEN")),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		DraftDebounceMS: debounce,
		DraftTTLHours:   ttlHours,
		AuthSecret:      strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		TokenTTLMinutes: tokenTTL,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) DraftDebounce() time.Duration {
	return time.Duration(c.DraftDebounceMS) * time.Millisecond
}

func (c Config) DraftTTL() time.Duration {
	return time.Duration(c.DraftTTLHours) * time.Hour
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
