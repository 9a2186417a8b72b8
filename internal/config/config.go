// Package config loads the proxy's environment-driven configuration
// (spec §6) and its optional static startup seed, following the
// teacher's godotenv/getEnv pattern.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the environment-sourced configuration the core reads
// directly (spec §6): listener ports, the seed target URL, and the
// sqlite database path.
type Config struct {
	PortAdmin   string
	PortProxy   string
	TargetURL   string
	DatabaseURL string
}

// Load reads configuration from environment variables, trying a .env
// file first and falling back to the system environment, matching the
// teacher's Load().
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PortAdmin:   getEnv("PORT_ADMIN", "8082"),
		PortProxy:   getEnv("PORT_PROXY", "8081"),
		TargetURL:   os.Getenv("TARGET_URL"),
		DatabaseURL: getEnv("DATABASE_URL", "./data/proxy.db"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.PortAdmin == "" {
		return fmt.Errorf("PORT_ADMIN is required but not set")
	}
	if c.PortProxy == "" {
		return fmt.Errorf("PORT_PROXY is required but not set")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
