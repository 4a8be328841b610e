// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gearwatch/internal/notify"
)

// Cache backends.
const (
	CacheSQLite = "sqlite"
	CacheS3     = "s3"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath     string
	LogLevel         string
	UpstreamURL      string
	UserAgentContact string
	TriggerSecret    string
	ListenAddr       string
	ImageBaseURL     string
	// CatalogPath should be set in production; empty selects the embedded
	// sample catalog.
	CatalogPath string

	CacheBackend string
	S3Bucket     string
	S3Key        string
	S3Region     string

	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	VAPIDSubject     string
	TelegramBotToken string

	PayloadMode notify.PayloadMode

	FetchTimeout    time.Duration
	SendTimeout     time.Duration
	StoreTimeout    time.Duration
	FetchAttempts   int
	FetchRetryDelay time.Duration
	Concurrency     int
	RunInterval     time.Duration

	PruneGoneSubscriptions bool
}

// Load reads configuration from environment variables. CATALOG_PATH is not
// required, but without it only the embedded sample catalog is matched.
func Load() (*Config, error) {
	contact := os.Getenv("USER_AGENT_CONTACT")
	if contact == "" {
		return nil, fmt.Errorf("USER_AGENT_CONTACT is required")
	}

	cfg := &Config{
		DatabasePath:     envOrDefault("DATABASE_PATH", "./data/gearwatch.db"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		UpstreamURL:      envOrDefault("UPSTREAM_URL", "https://splatoon3.ink/data/gear.json"),
		UserAgentContact: contact,
		TriggerSecret:    os.Getenv("TRIGGER_SECRET"),
		ListenAddr:       envOrDefault("LISTEN_ADDR", ":8080"),
		ImageBaseURL:     envOrDefault("IMAGE_BASE_URL", "/static/gear"),
		CatalogPath:      os.Getenv("CATALOG_PATH"),
		CacheBackend:     envOrDefault("CACHE_BACKEND", CacheSQLite),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3Key:            envOrDefault("S3_KEY", "gear/current.json"),
		S3Region:         os.Getenv("S3_REGION"),
		VAPIDPublicKey:   os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:  os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:     os.Getenv("VAPID_SUBJECT"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	var err error
	if cfg.PayloadMode, err = notify.ParsePayloadMode(os.Getenv("PAYLOAD_MODE")); err != nil {
		return nil, fmt.Errorf("PAYLOAD_MODE: %w", err)
	}
	if cfg.FetchTimeout, err = envDuration("FETCH_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = envDuration("SEND_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = envDuration("STORE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.FetchRetryDelay, err = envDuration("FETCH_RETRY_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RunInterval, err = envDuration("RUN_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.FetchAttempts, err = envInt("FETCH_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = envInt("CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.PruneGoneSubscriptions, err = envBool("PRUNE_GONE_SUBSCRIPTIONS", false); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CacheBackend {
	case CacheSQLite:
	case CacheS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when CACHE_BACKEND is %s", CacheS3)
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.FetchAttempts < 1 {
		return fmt.Errorf("FETCH_ATTEMPTS must be at least 1, got %d", c.FetchAttempts)
	}
	if c.FetchRetryDelay <= 0 {
		return fmt.Errorf("FETCH_RETRY_DELAY must be positive, got %s", c.FetchRetryDelay)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.RunInterval < 0 {
		return fmt.Errorf("RUN_INTERVAL must not be negative, got %s", c.RunInterval)
	}
	return nil
}

// WebPushEnabled reports whether VAPID keys are configured.
func (c *Config) WebPushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// TelegramEnabled reports whether a Telegram bot token is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q in %s: %w", raw, key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q in %s: %w", raw, key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q in %s: %w", raw, key, err)
	}
	return b, nil
}
