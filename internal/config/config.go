// Package config loads hangar's settings from YAML or TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "./config/config.yaml"

// Config is the hangar configuration file. Load fills any field the file
// leaves out from Default.
type Config struct {
	// DataDir holds the per-user cache databases; empty means the XDG data
	// directory.
	DataDir string `yaml:"data_dir" toml:"data_dir"`
	// User keys the cache, normally the account DID.
	User string `yaml:"user" toml:"user"`

	Cache struct {
		ImageMemoryCapacity int           `yaml:"image_memory_capacity" toml:"image_memory_capacity"`
		ImageMaxDiskBytes   int64         `yaml:"image_max_disk_bytes" toml:"image_max_disk_bytes"`
		ImageMaxAge         time.Duration `yaml:"image_max_age" toml:"image_max_age"`
	} `yaml:"cache" toml:"cache"`

	Sync struct {
		PageSize      int           `yaml:"page_size" toml:"page_size"`
		PollInterval  time.Duration `yaml:"poll_interval" toml:"poll_interval"`
		ProfileMaxAge time.Duration `yaml:"profile_max_age" toml:"profile_max_age"`
	} `yaml:"sync" toml:"sync"`

	Fetch struct {
		Timeout       time.Duration `yaml:"timeout" toml:"timeout"`
		MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent"`
		MaxImageBytes int64         `yaml:"max_image_bytes" toml:"max_image_bytes"`
		UserAgent     string        `yaml:"user_agent" toml:"user_agent"`
	} `yaml:"fetch" toml:"fetch"`

	Feeds []Feed `yaml:"feeds" toml:"feeds"`

	Cleanup struct {
		// Schedule is a cron expression for the daemon's cleanup sweep.
		Schedule string `yaml:"schedule" toml:"schedule"`
	} `yaml:"cleanup" toml:"cleanup"`

	Metrics struct {
		// Addr serves /metrics when set, e.g. ":9090".
		Addr string `yaml:"addr" toml:"addr"`
	} `yaml:"metrics" toml:"metrics"`
}

// Feed names a feed to sync. Either URL or Actor must be set; Actor is a
// handle or DID whose profile RSS feed is used.
type Feed struct {
	Key   string `yaml:"key" toml:"key"`
	URL   string `yaml:"url,omitempty" toml:"url,omitempty"`
	Actor string `yaml:"actor,omitempty" toml:"actor,omitempty"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	cfg := &Config{}
	cfg.Cache.ImageMemoryCapacity = 200
	cfg.Cache.ImageMaxDiskBytes = 100 * 1024 * 1024
	cfg.Cache.ImageMaxAge = 30 * 24 * time.Hour
	cfg.Sync.PageSize = 50
	cfg.Sync.PollInterval = 30 * time.Second
	cfg.Sync.ProfileMaxAge = 10 * time.Minute
	cfg.Fetch.Timeout = 30 * time.Second
	cfg.Fetch.MaxConcurrent = 16
	cfg.Fetch.MaxImageBytes = 10 * 1024 * 1024
	cfg.Fetch.UserAgent = "hangar/1.0"
	cfg.Cleanup.Schedule = "@hourly"
	return cfg
}

// Load reads path over the defaults. A missing file yields the defaults.
// Files ending in .toml are TOML; anything else is YAML.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the feed list.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, f := range c.Feeds {
		if f.Key == "" {
			return fmt.Errorf("feeds[%d]: key is required", i)
		}
		if seen[f.Key] {
			return fmt.Errorf("feeds[%d]: duplicate key %q", i, f.Key)
		}
		seen[f.Key] = true
		if (f.URL == "") == (f.Actor == "") {
			return fmt.Errorf("feed %q: exactly one of url or actor is required", f.Key)
		}
	}
	return nil
}

// Feed returns the configured feed with key.
func (c *Config) Feed(key string) (Feed, bool) {
	for _, f := range c.Feeds {
		if f.Key == key {
			return f, true
		}
	}
	return Feed{}, false
}

// Write saves cfg to path in the format its extension selects, refusing to
// overwrite an existing file.
func Write(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
