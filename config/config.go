// Package config provides configuration for the repricer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the repricer configuration.
type Config struct {
	// Server settings
	HTTPPort int `yaml:"http_port"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// Catalog seed file (JSON). Empty means an empty catalog.
	CatalogPath string `yaml:"catalog_path"`

	// Execution
	PushConcurrency   int           `yaml:"push_concurrency"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`

	// Guardrails
	MaxChangePct float64 `yaml:"max_change_pct"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration from defaults, an optional YAML file named
// by REPRICER_CONFIG, and environment variables, in that order of
// precedence (env wins).
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:          8080,
		DatabaseURL:       "file:repricer.db?cache=shared&mode=rwc",
		PushConcurrency:   4,
		SchedulerInterval: 30 * time.Second,
		MaxChangePct:      50,
		LogLevel:          "info",
	}

	if path := os.Getenv("REPRICER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.CatalogPath = getEnv("CATALOG_PATH", cfg.CatalogPath)
	cfg.PushConcurrency = getEnvInt("PUSH_CONCURRENCY", cfg.PushConcurrency)
	if ms := getEnvInt("SCHEDULER_INTERVAL_MS", 0); ms > 0 {
		cfg.SchedulerInterval = time.Duration(ms) * time.Millisecond
	}
	cfg.MaxChangePct = getEnvFloat("MAX_CHANGE_PCT", cfg.MaxChangePct)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
