package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/withobsrvr/showlake-ingestion/audit"
	"github.com/withobsrvr/showlake-ingestion/metrics"
	"github.com/withobsrvr/showlake-ingestion/source"
)

// Config represents the application configuration.
type Config struct {
	Service struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`

	Source source.Config `yaml:"source"`

	Catalog struct {
		DatabasePath string `yaml:"database_path"`
		DataRoot     string `yaml:"data_root"`
		// MinItems is the crawl target: fetching stops once this many
		// records are collected, or earlier when the source runs dry.
		MinItems int `yaml:"min_items"`
		// PageLimit caps the crawl. 0 means fetch until the source
		// reports end of data.
		PageLimit int `yaml:"page_limit"`
	} `yaml:"catalog"`

	Artifacts audit.Layout `yaml:"artifacts"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics metrics.Config `yaml:"metrics"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "showlake-ingestion"
	}
	if c.Catalog.DataRoot == "" {
		c.Catalog.DataRoot = "data"
	}
	if c.Catalog.DatabasePath == "" {
		c.Catalog.DatabasePath = filepath.Join(c.Catalog.DataRoot, "db", "shows.duckdb")
	}
	if c.Catalog.MinItems == 0 {
		c.Catalog.MinItems = 250
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Source.ApplyDefaults()
	c.Artifacts.ApplyDefaults(c.Catalog.DataRoot)
	c.Metrics.ApplyDefaults()
}

// Validate validates the application configuration.
func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}
	if c.Catalog.DatabasePath == "" {
		return fmt.Errorf("catalog.database_path is required")
	}
	if c.Catalog.MinItems < 0 {
		return fmt.Errorf("catalog.min_items must not be negative")
	}
	if c.Catalog.PageLimit < 0 {
		return fmt.Errorf("catalog.page_limit must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
