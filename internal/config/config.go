package config

import (
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

type ScrapeConfig struct {
	DefaultTimeoutMs int `yaml:"defaultTimeoutMs"`
	LLMTimeoutMs     int `yaml:"llmTimeoutMs"`
	BasePriority     int `yaml:"basePriority"`
}

type CrawlConfig struct {
	TTLHours       int `yaml:"ttlHours"`
	PollIntervalMs int `yaml:"pollIntervalMs"`
}

type BillingConfig struct {
	BatchSize       int `yaml:"batchSize"`
	FlushIntervalMs int `yaml:"flushIntervalMs"`
	QueueDepth      int `yaml:"queueDepth"`
}

type CreditConfig struct {
	UpgradeURL string `yaml:"upgradeURL"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Scrape   ScrapeConfig   `yaml:"scrape"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Billing  BillingConfig  `yaml:"billing"`
	Credit   CreditConfig   `yaml:"credit"`

	// Resolved from the environment at load time, not from yaml.
	UseDBAuthentication bool     `yaml:"-"`
	AllowedKeys         []string `yaml:"-"`
	GCSBucket           string   `yaml:"-"`
	Env                 string   `yaml:"-"`
}

// Default returns a Config with the defaults applied, suitable for tests
// and for running without a config file.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 3002},
		Database: DatabaseConfig{MigrationsDir: "db/migrations"},
		Scrape:   ScrapeConfig{DefaultTimeoutMs: 30000, LLMTimeoutMs: 90000, BasePriority: 10},
		Crawl:    CrawlConfig{TTLHours: 24, PollIntervalMs: 1000},
		Billing:  BillingConfig{BatchSize: 100, FlushIntervalMs: 5000, QueueDepth: 1024},
		Credit:   CreditConfig{UpgradeURL: "https://cinder.dev/pricing"},
	}
	cfg.applyEnv()
	return cfg
}

// Load reads the yaml config at path and overlays process environment
// switches. Missing or malformed files are fatal, matching the single
// startup call site.
func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.UseDBAuthentication = os.Getenv("USE_DB_AUTHENTICATION") == "true"
	c.GCSBucket = os.Getenv("GCS_FIRE_ENGINE_BUCKET_NAME")
	c.Env = os.Getenv("ENV")

	c.AllowedKeys = nil
	if raw := os.Getenv("ALLOWED_KEYS"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.AllowedKeys = append(c.AllowedKeys, k)
			}
		}
	}
}
