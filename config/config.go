package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig
	LLM       LLMConfig
	Worker    WorkerConfig
	Fetcher   FetcherConfig
	Scheduler SchedulerConfig
	LogLevel  string
	LogPath   string
	Sites     map[string]*SiteConfig
}

type DatabaseConfig struct {
	URL        string // Postgres DSN; empty means SQLite
	SQLitePath string
}

type LLMConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type WorkerConfig struct {
	PollInterval     time.Duration
	Concurrency      int
	MaxPagesPerJob   int
	MainPageRetries  int
	CandidateRetries int
	StaleAfter       time.Duration
}

type FetcherConfig struct {
	Mode       string // browser or http
	TimeoutMS  int
	MinDelayMS int
	Headless   bool
}

type SchedulerConfig struct {
	Cron     string
	Interval time.Duration
}

// SiteConfig declares a scrape target in config/sites/*.yaml. Seeded into
// the website table at startup.
type SiteConfig struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Keywords []string `yaml:"keywords"`
	MaxPages int      `yaml:"max_pages"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:        os.Getenv("DATABASE_URL"),
			SQLitePath: getEnv("SQLITE_PATH", "grantscraper.db"),
		},
		LLM: LLMConfig{
			BaseURL:     getEnv("OLLAMA_URL", "http://localhost:11434"),
			Model:       getEnv("OLLAMA_MODEL", "llama3.1"),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.1),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Worker: WorkerConfig{
			PollInterval:     getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			Concurrency:      getEnvInt("WORKER_CONCURRENCY", 5),
			MaxPagesPerJob:   getEnvInt("WORKER_MAX_PAGES", 50),
			MainPageRetries:  getEnvInt("WORKER_MAIN_RETRIES", 3),
			CandidateRetries: getEnvInt("WORKER_CANDIDATE_RETRIES", 2),
			StaleAfter:       getEnvDuration("WORKER_STALE_AFTER", 30*time.Minute),
		},
		Fetcher: FetcherConfig{
			Mode:       getEnv("FETCHER_MODE", "browser"),
			TimeoutMS:  getEnvInt("FETCH_TIMEOUT_MS", 30000),
			MinDelayMS: getEnvInt("FETCH_MIN_DELAY_MS", 1000),
			Headless:   getEnv("BROWSER_HEADLESS", "true") == "true",
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("SCHEDULE_CRON"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogPath:  getEnv("LOG_PATH", "daemon.log"),
		Sites:    make(map[string]*SiteConfig),
	}

	if interval := os.Getenv("SCHEDULE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadSiteConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadSiteConfigs() error {
	configDir := "config/sites"
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var site SiteConfig
		if err := yaml.Unmarshal(data, &site); err != nil {
			return err
		}

		c.Sites[site.ID] = &site
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
