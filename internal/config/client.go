package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig configures dashctl. It is read from a YAML file; flags
// override individual fields.
type ClientConfig struct {
	Server          string        `yaml:"server"`
	User            string        `yaml:"user"`
	CachePath       string        `yaml:"cache_path"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	BackoffCap      int           `yaml:"backoff_cap"`
	ReceiptDebounce time.Duration `yaml:"receipt_debounce"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
}

// DefaultClientConfigPath is ~/.config/teamdash/client.yaml.
func DefaultClientConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "teamdash.yaml"
	}
	return filepath.Join(dir, "teamdash", "client.yaml")
}

// LoadClient reads path. A missing file yields the defaults.
func LoadClient(path string) (ClientConfig, error) {
	cfg := ClientConfig{
		Server:    "http://localhost:8787",
		CachePath: defaultCachePath(),
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read client config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse client config %s: %w", path, err)
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	return cfg, nil
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "teamdash-cache.db"
	}
	return filepath.Join(dir, "teamdash", "cache.db")
}
