// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the validated configuration record. Precedence for callers
// merging sources is CLI flag > config file > defaults; the CLI layer
// applies flag overrides after loadConfig returns.
type Config struct {
	Wiki struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"wiki"`
	Scraper struct {
		RateLimit  float64 `yaml:"rate_limit"` // requests per second
		Timeout    float64 `yaml:"timeout"`    // seconds per HTTP request
		MaxRetries int     `yaml:"max_retries"`
		UserAgent  string  `yaml:"user_agent"`
	} `yaml:"scraper"`
	Storage struct {
		DataDir        string    `yaml:"data_dir"`
		DatabaseFile   string    `yaml:"database_file"`
		CheckpointFile string    `yaml:"checkpoint_file"`
		S3             *S3Config `yaml:"s3"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// S3Config enables the optional post-run snapshot upload when present.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Scraper.RateLimit = 5.0
	cfg.Scraper.Timeout = 30.0
	cfg.Scraper.MaxRetries = 3
	cfg.Scraper.UserAgent = "WikimirrorBot/1.0 (https://github.com/wikimirror/wikimirror)"
	cfg.Storage.DataDir = "data"
	cfg.Storage.DatabaseFile = filepath.Join("data", "wiki.db")
	cfg.Storage.CheckpointFile = filepath.Join("data", "checkpoint.json")
	cfg.Logging.Level = "info"
	return cfg
}

// loadConfig reads a YAML file over the defaults. An empty path returns
// the defaults unchanged.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Wiki.BaseURL == "" {
		return fmt.Errorf("wiki.base_url is required")
	}
	u, err := url.Parse(c.Wiki.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("wiki.base_url %q is not an absolute URL", c.Wiki.BaseURL)
	}
	if c.Scraper.RateLimit <= 0 {
		return fmt.Errorf("scraper.rate_limit must be > 0, got %g", c.Scraper.RateLimit)
	}
	if c.Scraper.Timeout <= 0 {
		return fmt.Errorf("scraper.timeout must be > 0, got %g", c.Scraper.Timeout)
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must be >= 0, got %d", c.Scraper.MaxRetries)
	}
	if c.Scraper.UserAgent == "" {
		return fmt.Errorf("scraper.user_agent is required")
	}
	if c.Storage.DatabaseFile == "" {
		return fmt.Errorf("storage.database_file is required")
	}
	if c.Storage.CheckpointFile == "" {
		return fmt.Errorf("storage.checkpoint_file is required")
	}
	if s3 := c.Storage.S3; s3 != nil {
		if s3.Endpoint == "" || s3.Bucket == "" {
			return fmt.Errorf("storage.s3 requires endpoint and bucket")
		}
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of trace|debug|info|warn|error", c.Logging.Level)
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.Scraper.Timeout * float64(time.Second))
}

// apiEndpoint is the action API entry point below the configured host.
func (c *Config) apiEndpoint() string {
	u, _ := url.Parse(c.Wiki.BaseURL)
	u.Path = "/api.php"
	u.RawQuery = ""
	return u.String()
}
