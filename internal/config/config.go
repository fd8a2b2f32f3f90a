package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/agentworkforce/taskmirror/internal/tasks"
)

// Config is read from TASKMIRROR_* environment variables, optionally layered
// over a YAML file. Environment always wins.
type Config struct {
	BaseURL    string `yaml:"base_url" env:"TASKMIRROR_BASE_URL" env-default:"http://127.0.0.1:8000" env-description:"remote API base URL"`
	StorageDSN string `yaml:"storage_dsn" env:"TASKMIRROR_STORAGE_DSN" env-default:"~/.config/taskmirror/store" env-description:"storage substrate DSN (path, file://, memory://, postgres://, redis://)"`
	Namespace  string `yaml:"namespace" env:"TASKMIRROR_NAMESPACE" env-default:"taskmirror" env-description:"key prefix inside the storage substrate"`

	RefreshInterval time.Duration `yaml:"refresh_interval" env:"TASKMIRROR_REFRESH_INTERVAL" env-default:"30s"`
	IntervalJitter  float64       `yaml:"interval_jitter" env:"TASKMIRROR_INTERVAL_JITTER" env-default:"0.1"`
	UndoWindow      time.Duration `yaml:"undo_window" env:"TASKMIRROR_UNDO_WINDOW" env-default:"5s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"TASKMIRROR_REQUEST_TIMEOUT" env-default:"15s"`
	MaxRetries      int           `yaml:"max_retries" env:"TASKMIRROR_MAX_RETRIES" env-default:"2"`

	FeedAddr string `yaml:"feed_addr" env:"TASKMIRROR_FEED_ADDR" env-default:"127.0.0.1:8090"`

	Search string `yaml:"search" env:"TASKMIRROR_SEARCH"`
	Sort   string `yaml:"sort" env:"TASKMIRROR_SORT"`
	Type   string `yaml:"type" env:"TASKMIRROR_TYPE"`
}

// Load reads path when it is set and exists, then the environment.
func Load(path string) (Config, error) {
	var cfg Config
	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	parsed, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if strings.TrimSpace(c.StorageDSN) == "" {
		return fmt.Errorf("storage_dsn is required")
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("namespace is required")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive, got %s", c.RefreshInterval)
	}
	if c.UndoWindow <= 0 {
		return fmt.Errorf("undo_window must be positive, got %s", c.UndoWindow)
	}
	if c.IntervalJitter < 0 || c.IntervalJitter > 0.9 {
		return fmt.Errorf("interval_jitter must be within [0, 0.9], got %v", c.IntervalJitter)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

func (c Config) Query() tasks.Query {
	return tasks.Query{
		Search: strings.TrimSpace(c.Search),
		Sort:   strings.TrimSpace(c.Sort),
		Type:   strings.TrimSpace(c.Type),
	}
}

// Usage lists the supported environment variables.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
