package shared

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()

		if config.Database.Path != "./tapedeck.db" {
			t.Errorf("expected database path ./tapedeck.db, got %s", config.Database.Path)
		}

		if config.Server.Port != 3000 {
			t.Errorf("expected server port 3000, got %d", config.Server.Port)
		}

		if config.Sync.Timeout != 2*time.Hour {
			t.Errorf("expected sync timeout 2h, got %s", config.Sync.Timeout)
		}

		if config.Sync.ConflictPolicy != "keep_newest" {
			t.Errorf("expected keep_newest conflict policy, got %s", config.Sync.ConflictPolicy)
		}

		if len(config.Sync.AudioExtensions) == 0 {
			t.Error("expected default audio extensions")
		}

		if err := config.Validate(); err != nil {
			t.Errorf("default config should validate: %v", err)
		}
	})

	t.Run("CreateConfigFile", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		if err := CreateConfigFile(configPath); err != nil {
			t.Fatalf("failed to create config file: %v", err)
		}

		if _, err := os.Stat(configPath); err != nil {
			t.Fatalf("config file should exist: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load created config: %v", err)
		}

		defaultConfig := DefaultConfig()
		if config.Database.Path != defaultConfig.Database.Path {
			t.Errorf("created config database path doesn't match default")
		}

		if err := CreateConfigFile(configPath); err == nil {
			t.Error("creating config file again should fail")
		}
	})

	t.Run("LoadConfig overlays defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		testConfig := `[database]
path = "/custom/path.db"

[server]
port = 8080

[sync]
timeout = "30m"
conflict_policy = "keep_both"

[credentials.google]
client_id = "test_client_id"
`
		if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}

		if config.Database.Path != "/custom/path.db" {
			t.Errorf("expected database path /custom/path.db, got %s", config.Database.Path)
		}
		if config.Server.Port != 8080 {
			t.Errorf("expected server port 8080, got %d", config.Server.Port)
		}
		if config.Server.Host != "127.0.0.1" {
			t.Errorf("expected default host to survive overlay, got %s", config.Server.Host)
		}
		if config.Sync.Timeout != 30*time.Minute {
			t.Errorf("expected 30m timeout, got %s", config.Sync.Timeout)
		}
		if config.Sync.PageSize != 100 {
			t.Errorf("expected default page size 100, got %d", config.Sync.PageSize)
		}
		if config.Credentials.Google.ClientID != "test_client_id" {
			t.Errorf("expected google client_id test_client_id, got %s", config.Credentials.Google.ClientID)
		}
	})

	t.Run("LoadConfig missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
		if !errors.Is(err, ErrMissingConfig) {
			t.Errorf("expected ErrMissingConfig, got %v", err)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		tc := []struct {
			name   string
			mutate func(c *Config)
		}{
			{name: "zero timeout", mutate: func(c *Config) { c.Sync.Timeout = 0 }},
			{name: "page size", mutate: func(c *Config) { c.Sync.PageSize = 0 }},
			{name: "header bytes", mutate: func(c *Config) { c.Sync.HeaderBytes = 0 }},
			{name: "attempts", mutate: func(c *Config) { c.Sync.MaxItemAttempts = 0 }},
			{name: "size bounds", mutate: func(c *Config) { c.Sync.MinFileSize = 10; c.Sync.MaxFileSize = 5 }},
			{name: "policy", mutate: func(c *Config) { c.Sync.ConflictPolicy = "newest_wins" }},
			{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }},
		}

		for _, tt := range tc {
			t.Run(tt.name, func(t *testing.T) {
				config := DefaultConfig()
				tt.mutate(config)
				if err := config.Validate(); !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("expected ErrInvalidConfig, got %v", err)
				}
			})
		}
	})
}
