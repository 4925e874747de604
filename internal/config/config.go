// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the flat, validated record of every service knob. It is parsed
// from the environment once at startup and passed by value.
type Config struct {
	DatabaseURL        string        `mapstructure:"database_url"`
	RedisHost          string        `mapstructure:"redis_host"`
	RedisPort          int           `mapstructure:"redis_port"`
	BasicAuthUsername  string        `mapstructure:"basic_auth_username"`
	BasicAuthPassword  string        `mapstructure:"basic_auth_password"`
	ScraperConcurrency int           `mapstructure:"scraper_concurrency"`
	ScraperTimeout     time.Duration `mapstructure:"-"`
	ScraperTimeoutMs   int           `mapstructure:"scraper_timeout"`
	MaxURLsPerRequest  int           `mapstructure:"max_urls_per_request"`
	Headless           bool          `mapstructure:"headless"`
	DisableImages      bool          `mapstructure:"disable_images"`
	Port               int           `mapstructure:"port"`
	UserAgent          string        `mapstructure:"user_agent"`
	ArchiveBucket      string        `mapstructure:"archive_bucket"`
	DeadletterTopic    string        `mapstructure:"deadletter_topic"`
	GCPProject         string        `mapstructure:"gcp_project"`
	LogDevelopment     bool          `mapstructure:"log_development"`
}

// RedisAddr returns host:port for the Redis client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ItemDeadline is the hard per-URL budget enforced by the queue: the
// scraper timeout plus slack for cache and store round trips.
func (c Config) ItemDeadline() time.Duration {
	return c.ScraperTimeout + 5*time.Second
}

// Load builds a Config from the environment and optional config file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)

	// Browser toggles keep their historical environment names.
	_ = v.BindEnv("headless", "PUPPETEER_HEADLESS", "HEADLESS")
	_ = v.BindEnv("disable_images", "PUPPETEER_DISABLE_IMAGES", "DISABLE_IMAGES")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ScraperTimeout = time.Duration(cfg.ScraperTimeoutMs) * time.Millisecond

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("basic_auth_username", "admin")
	v.SetDefault("basic_auth_password", "admin123")
	v.SetDefault("scraper_concurrency", 3)
	v.SetDefault("scraper_timeout", 30000)
	v.SetDefault("max_urls_per_request", 100)
	v.SetDefault("headless", true)
	v.SetDefault("disable_images", true)
	v.SetDefault("port", 3001)
	v.SetDefault("user_agent", "mediascrape-bot/1.0 (+https://github.com/fetchwork/mediascrape)")
	v.SetDefault("archive_bucket", "")
	v.SetDefault("deadletter_topic", "")
	v.SetDefault("gcp_project", "")
	v.SetDefault("log_development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.ScraperConcurrency <= 0 {
		return fmt.Errorf("scraper_concurrency must be > 0")
	}
	if c.ScraperTimeout <= 0 {
		return fmt.Errorf("scraper_timeout must be > 0")
	}
	if c.MaxURLsPerRequest <= 0 {
		return fmt.Errorf("max_urls_per_request must be > 0")
	}
	if c.Port <= 0 {
		return fmt.Errorf("port must be > 0")
	}
	if c.DeadletterTopic != "" && c.GCPProject == "" {
		return fmt.Errorf("gcp_project must be set when deadletter_topic is configured")
	}
	return nil
}
