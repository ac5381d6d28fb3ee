// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scraper.RateLimit != 5.0 {
		t.Errorf("default rate_limit = %g, want 5.0", cfg.Scraper.RateLimit)
	}
	if cfg.Scraper.MaxRetries != 3 {
		t.Errorf("default max_retries = %d, want 3", cfg.Scraper.MaxRetries)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default logging.level = %q, want info", cfg.Logging.Level)
	}
	if got := cfg.timeout(); got != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", got)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
wiki:
  base_url: https://wiki.example.org
scraper:
  rate_limit: 2.5
  max_retries: 7
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Wiki.BaseURL != "https://wiki.example.org" {
		t.Errorf("base_url = %q", cfg.Wiki.BaseURL)
	}
	if cfg.Scraper.RateLimit != 2.5 {
		t.Errorf("rate_limit = %g, want 2.5", cfg.Scraper.RateLimit)
	}
	if cfg.Scraper.MaxRetries != 7 {
		t.Errorf("max_retries = %d, want 7", cfg.Scraper.MaxRetries)
	}
	// Keys the file does not mention keep their defaults.
	if cfg.Scraper.Timeout != 30.0 {
		t.Errorf("timeout = %g, want default 30", cfg.Scraper.Timeout)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("loading a missing config path returned nil error")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Wiki.BaseURL = "https://wiki.example.org"
		return cfg
	}
	if err := valid().validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		expect string
	}{
		{"missing base_url", func(c *Config) { c.Wiki.BaseURL = "" }, "base_url"},
		{"relative base_url", func(c *Config) { c.Wiki.BaseURL = "wiki.example.org" }, "base_url"},
		{"zero rate limit", func(c *Config) { c.Scraper.RateLimit = 0 }, "rate_limit"},
		{"negative retries", func(c *Config) { c.Scraper.MaxRetries = -1 }, "max_retries"},
		{"empty user agent", func(c *Config) { c.Scraper.UserAgent = "" }, "user_agent"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"s3 without bucket", func(c *Config) { c.Storage.S3 = &S3Config{Endpoint: "s3.example.org"} }, "s3"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.validate()
			if err == nil {
				t.Fatal("validate returned nil, want error")
			}
			if !strings.Contains(err.Error(), tc.expect) {
				t.Errorf("error %q does not mention %q", err, tc.expect)
			}
		})
	}
}

func TestAPIEndpoint(t *testing.T) {
	cfg := defaultConfig()
	cfg.Wiki.BaseURL = "https://wiki.example.org/w?foo=1"
	if got, want := cfg.apiEndpoint(), "https://wiki.example.org/api.php"; got != want {
		t.Errorf("apiEndpoint = %q, want %q", got, want)
	}
}
