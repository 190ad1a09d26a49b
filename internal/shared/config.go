package shared

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Database    DatabaseConfig    `toml:"database"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
	Sync        SyncConfig        `toml:"sync"`
	Network     NetworkConfig     `toml:"network"`
	Provider    ProviderConfig    `toml:"provider"`
}

// CredentialsConfig contains service-specific credentials.
type CredentialsConfig struct {
	Google GoogleConfig `toml:"google"`
}

// GoogleConfig contains Google Drive OAuth client credentials.
type GoogleConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RedirectURI  string   `toml:"redirect_uri"`
	Scopes       []string `toml:"scopes"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// SyncConfig controls a single sync run: limits, filtering and conflict handling.
type SyncConfig struct {
	Timeout              time.Duration `toml:"timeout"`
	PageSize             int           `toml:"page_size"`
	FullDownload         bool          `toml:"full_download"`
	HeaderBytes          int64         `toml:"header_bytes"`
	DownloadTimeout      time.Duration `toml:"download_timeout"`
	MaxItemAttempts      int           `toml:"max_item_attempts"`
	MinFileSize          int64         `toml:"min_file_size"`
	MaxFileSize          int64         `toml:"max_file_size"`
	AudioExtensions      []string      `toml:"audio_extensions"`
	ConflictPolicy       string        `toml:"conflict_policy"`
	HardDelete           bool          `toml:"hard_delete"`
	HardDeleteDuplicates bool          `toml:"hard_delete_duplicates"`
	Reprocess            bool          `toml:"reprocess"`
	ExtractArtwork       bool          `toml:"extract_artwork"`
	ArtworkDir           string        `toml:"artwork_dir"`
	TempDir              string        `toml:"temp_dir"`
	DeletionGuard        bool          `toml:"deletion_guard"`
}

// NetworkConfig holds the network constraints checked before discovery
// and the values reported by the static network monitor.
type NetworkConfig struct {
	WifiOnly     bool   `toml:"wifi_only"`
	AllowMetered bool   `toml:"allow_metered"`
	Status       string `toml:"status"`
	Type         string `toml:"type"`
	Metered      bool   `toml:"metered"`
}

// ProviderConfig tunes the storage provider HTTP client.
type ProviderConfig struct {
	BaseURL         string        `toml:"base_url"`
	RateLimit       float64       `toml:"rate_limit"`
	Burst           int           `toml:"burst"`
	MaxRetries      int           `toml:"max_retries"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
	BreakerFailures uint32        `toml:"breaker_failures"`
	BreakerTimeout  time.Duration `toml:"breaker_timeout"`
}

// LoadConfig reads a TOML configuration file from the specified path and overlays it on [DefaultConfig].
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingConfig, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks value ranges. Errors wrap [ErrInvalidConfig].
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Database.Path == "" {
		return invalid("database.path is required")
	}
	if c.Sync.Timeout <= 0 {
		return invalid("sync.timeout must be positive")
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 1000 {
		return invalid("sync.page_size must be between 1 and 1000, got %d", c.Sync.PageSize)
	}
	if !c.Sync.FullDownload && c.Sync.HeaderBytes <= 0 {
		return invalid("sync.header_bytes must be positive when full_download is off")
	}
	if c.Sync.DownloadTimeout <= 0 {
		return invalid("sync.download_timeout must be positive")
	}
	if c.Sync.MaxItemAttempts < 1 {
		return invalid("sync.max_item_attempts must be at least 1")
	}
	if c.Sync.MinFileSize < 0 || c.Sync.MaxFileSize < 0 {
		return invalid("sync file size bounds must not be negative")
	}
	if c.Sync.MaxFileSize > 0 && c.Sync.MinFileSize > c.Sync.MaxFileSize {
		return invalid("sync.min_file_size exceeds sync.max_file_size")
	}
	switch c.Sync.ConflictPolicy {
	case "keep_newest", "keep_both", "user_prompt":
	default:
		return invalid("unknown sync.conflict_policy %q", c.Sync.ConflictPolicy)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return invalid("unknown logging.level %q", c.Logging.Level)
	}
	if c.Provider.RateLimit <= 0 || c.Provider.Burst < 1 {
		return invalid("provider.rate_limit and provider.burst must be positive")
	}
	if c.Provider.MaxRetries < 0 {
		return invalid("provider.max_retries must not be negative")
	}
	return nil
}
