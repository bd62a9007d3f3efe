package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Regex for valid subreddit names
var subNameRegex = regexp.MustCompile(`^[A-Za-z0-9_]{2,21}$`)

// Config holds all configuration for a harvest process. It is loaded once
// at startup and treated as read-only afterwards.
type Config struct {
	Source  SourceConfig
	Crawl   CrawlConfig
	Storage StorageConfig
}

// SourceConfig selects and parameterizes the content source.
type SourceConfig struct {
	Mode      string // "html", "api", or "mock"
	BaseURL   string // listing host for html mode
	UserAgent string // empty picks a random browser agent
	Timeout   time.Duration

	// Credentials for api mode only.
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// CrawlConfig bounds one crawl run.
type CrawlConfig struct {
	Targets         []string
	RequestInterval time.Duration // minimum spacing between requests per host
	RetryBudget     int           // attempts per request, not global
	Workers         int           // simultaneous detail fetches
	MaxPages        int           // listing pages per run
	MaxPosts        int           // posts per run, 0 = unbounded
	PollInterval    time.Duration // 0 = run once
}

// StorageConfig selects the sink engine.
type StorageConfig struct {
	Engine      string // "sqlite", "postgres", or "memory"
	SQLitePath  string
	PostgresDSN string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Source: SourceConfig{
			Mode:         getEnv("SOURCE_MODE", "html"),
			BaseURL:      getEnv("LISTING_BASE_URL", "https://old.reddit.com"),
			UserAgent:    getEnv("USER_AGENT", ""),
			Timeout:      getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
			ClientID:     getEnv("REDDIT_CLIENT_ID", ""),
			ClientSecret: getEnv("REDDIT_CLIENT_SECRET", ""),
			Username:     getEnv("REDDIT_USERNAME", ""),
			Password:     getEnv("REDDIT_PASSWORD", ""),
		},
		Crawl: CrawlConfig{
			RequestInterval: getEnvDuration("REQUEST_INTERVAL", 2*time.Second),
			RetryBudget:     getEnvInt("RETRY_BUDGET", 4),
			Workers:         getEnvInt("WORKERS", 4),
			MaxPages:        getEnvInt("MAX_PAGES", 5),
			MaxPosts:        getEnvInt("MAX_POSTS", 200),
			PollInterval:    getEnvDuration("POLL_INTERVAL", 0),
		},
		Storage: StorageConfig{
			Engine:      getEnv("STORAGE_ENGINE", "sqlite"),
			SQLitePath:  getEnv("SQLITE_PATH", "data/harvest.db"),
			PostgresDSN: getEnv("POSTGRES_DSN", ""),
		},
	}

	targets, err := parseTargets(getEnv("TARGETS", "tech"))
	if err != nil {
		return nil, err
	}
	cfg.Crawl.Targets = targets

	if cfg.Crawl.RetryBudget < 1 {
		cfg.Crawl.RetryBudget = 1
	}
	if cfg.Crawl.Workers < 1 {
		cfg.Crawl.Workers = 1
	}
	if cfg.Storage.Engine == "postgres" && cfg.Storage.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required when STORAGE_ENGINE=postgres")
	}
	return cfg, nil
}

// parseTargets splits a comma-separated subreddit list and drops invalid
// names (fail-soft, same validation as the old CSV target reader).
func parseTargets(raw string) ([]string, error) {
	var targets []string
	for _, part := range strings.Split(raw, ",") {
		sub := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "r/"))
		if sub == "" {
			continue
		}
		if !subNameRegex.MatchString(sub) {
			continue
		}
		targets = append(targets, sub)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("TARGETS contains no valid subreddit names: %q", raw)
	}
	return targets, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
