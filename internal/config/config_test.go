package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:8000" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if cfg.StorageDSN != "~/.config/taskmirror/store" || cfg.Namespace != "taskmirror" {
		t.Fatalf("unexpected storage defaults %+v", cfg)
	}
	if cfg.RefreshInterval != 30*time.Second || cfg.UndoWindow != 5*time.Second || cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("unexpected duration defaults %+v", cfg)
	}
	if cfg.IntervalJitter != 0.1 || cfg.MaxRetries != 2 || cfg.FeedAddr != "127.0.0.1:8090" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TASKMIRROR_BASE_URL", "https://api.example.test")
	t.Setenv("TASKMIRROR_STORAGE_DSN", "memory://shared")
	t.Setenv("TASKMIRROR_REFRESH_INTERVAL", "1m")
	t.Setenv("TASKMIRROR_SEARCH", " garden ")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseURL != "https://api.example.test" || cfg.StorageDSN != "memory://shared" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.RefreshInterval != time.Minute {
		t.Fatalf("expected 1m interval, got %s", cfg.RefreshInterval)
	}
	if q := cfg.Query(); q.Search != "garden" || q.Sort != "" {
		t.Fatalf("unexpected query %+v", q)
	}
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmirror.yaml")
	body := "base_url: https://file.example.test\nnamespace: filens\nundo_window: 8s\nsort: newest\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKMIRROR_NAMESPACE", "envns")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BaseURL != "https://file.example.test" || cfg.UndoWindow != 8*time.Second || cfg.Sort != "newest" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Namespace != "envns" {
		t.Fatalf("expected env to override namespace, got %q", cfg.Namespace)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	cases := map[string]func(*Config){
		"relative base url": func(c *Config) { c.BaseURL = "/api" },
		"empty dsn":         func(c *Config) { c.StorageDSN = " " },
		"zero interval":     func(c *Config) { c.RefreshInterval = 0 },
		"zero undo":         func(c *Config) { c.UndoWindow = 0 },
		"jitter too high":   func(c *Config) { c.IntervalJitter = 1.5 },
		"negative retries":  func(c *Config) { c.MaxRetries = -1 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestUsageListsVariables(t *testing.T) {
	if usage := Usage(); !strings.Contains(usage, "TASKMIRROR_STORAGE_DSN") {
		t.Fatalf("expected usage to mention TASKMIRROR_STORAGE_DSN, got %q", usage)
	}
}
