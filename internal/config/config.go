package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the worker's environment-derived settings.
type Config struct {
	DatabasePath   string
	BlossomServer  string
	Relays         []string
	PrimalCacheURL string
	BackendURL     string
	BaseURL        string
	ResendAPIKey   string
	Concurrency    int
	MaxRetries     int
	PollInterval   time.Duration
	Port           string
}

// Load reads .env (if present) and the process environment, applying defaults.
// BLOSSOM_SERVER and NOSTR_RELAYS have no defaults and are fatal when missing.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabasePath:   getenv("DATABASE_PATH", "/data/migrations.db"),
		BlossomServer:  strings.TrimRight(os.Getenv("BLOSSOM_SERVER"), "/"),
		PrimalCacheURL: os.Getenv("PRIMAL_CACHE_URL"),
		BackendURL:     strings.TrimRight(os.Getenv("BACKEND_URL"), "/"),
		BaseURL:        getenv("BASE_URL", "https://ownyourposts.com"),
		ResendAPIKey:   os.Getenv("RESEND_API_KEY"),
		Concurrency:    getenvInt("CONCURRENCY", 3),
		MaxRetries:     getenvInt("MAX_RETRIES", 3),
		PollInterval:   time.Duration(getenvInt("POLL_INTERVAL", 5)) * time.Second,
		Port:           getenv("PORT", "18912"),
	}

	if cfg.BlossomServer == "" {
		return Config{}, fmt.Errorf("BLOSSOM_SERVER environment variable is required")
	}
	relays := os.Getenv("NOSTR_RELAYS")
	if strings.TrimSpace(relays) == "" {
		return Config{}, fmt.Errorf("NOSTR_RELAYS environment variable is required")
	}
	for _, r := range strings.Split(relays, ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.Relays = append(cfg.Relays, r)
		}
	}
	if len(cfg.Relays) == 0 {
		return Config{}, fmt.Errorf("NOSTR_RELAYS contains no usable relay URLs")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
