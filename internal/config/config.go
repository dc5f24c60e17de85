package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Download DownloadConfig `json:"download" mapstructure:"download"`
	Auth     AuthConfig     `json:"auth" mapstructure:"auth"`
	Network  NetworkConfig  `json:"network" mapstructure:"network"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// DownloadConfig contains download-related settings
type DownloadConfig struct {
	OutputDir            string `json:"output_dir" mapstructure:"output_dir"`
	Quality              string `json:"quality" mapstructure:"quality"`
	ConcurrentDownloads  int    `json:"concurrent_downloads" mapstructure:"concurrent_downloads"`
	MaxRetries           int    `json:"max_retries" mapstructure:"max_retries"`
	CheckDuplicates      bool   `json:"check_duplicates" mapstructure:"check_duplicates"`
	OutputTemplate       string `json:"output_template" mapstructure:"output_template"`
	CreatePlaylistFolder bool   `json:"create_playlist_folder" mapstructure:"create_playlist_folder"`
	BandwidthLimit       string `json:"bandwidth_limit" mapstructure:"bandwidth_limit"`
}

// AuthConfig contains authentication material settings.
// CookieMethod is "none", "file", or a browser name (passed through to the fetcher).
type AuthConfig struct {
	CookieMethod string `json:"cookie_method" mapstructure:"cookie_method"`
	CookieFile   string `json:"cookie_file" mapstructure:"cookie_file"`
}

// NetworkConfig contains network-related settings
type NetworkConfig struct {
	Timeout int `json:"timeout" mapstructure:"timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	Output     string `json:"output" mapstructure:"output"`
	FilePath   string `json:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// validQualities are the quality preferences the fetcher understands.
var validQualities = map[string]bool{
	"best":       true,
	"1080p":      true,
	"720p":       true,
	"480p":       true,
	"audio_only": true,
}

// Load loads configuration from file or creates default
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := ensureConfigDir(configPath); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Read config file if it exists; otherwise write the defaults out
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			if writeErr := v.WriteConfigAs(configPath); writeErr != nil {
				return nil, fmt.Errorf("failed to write default config: %w", writeErr)
			}
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if writeErr := v.WriteConfigAs(configPath); writeErr != nil {
				return nil, fmt.Errorf("failed to write default config: %w", writeErr)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Allow environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TUBEQUEUE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Download.ConcurrentDownloads < 1 {
		return fmt.Errorf("concurrent downloads must be at least 1")
	}

	if c.Download.ConcurrentDownloads > 16 {
		return fmt.Errorf("concurrent downloads cannot exceed 16")
	}

	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if !validQualities[c.Download.Quality] {
		return fmt.Errorf("invalid quality: %s (must be best, 1080p, 720p, 480p or audio_only)", c.Download.Quality)
	}

	if c.Download.OutputDir == "" {
		return fmt.Errorf("output directory cannot be empty")
	}

	if c.Auth.CookieMethod == "file" && c.Auth.CookieFile == "" {
		return fmt.Errorf("cookie file path required when cookie method is file")
	}

	if c.Network.Timeout < 1 {
		return fmt.Errorf("network timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Logging.Format)
	}

	validOutputs := map[string]bool{"file": true, "console": true, "both": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s (must be file, console, or both)", c.Logging.Output)
	}

	if c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("log max backups cannot be negative")
	}

	if c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("log max age cannot be negative")
	}

	return nil
}

// Save saves the configuration to file
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.Set("download", c.Download)
	v.Set("auth", c.Auth)
	v.Set("network", c.Network)
	v.Set("logging", c.Logging)

	return v.WriteConfig()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("download.output_dir", getDefaultDownloadDir())
	v.SetDefault("download.quality", "best")
	v.SetDefault("download.concurrent_downloads", 3)
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.check_duplicates", true)
	v.SetDefault("download.output_template", "%(playlist_index)02d-%(title)s.%(ext)s")
	v.SetDefault("download.create_playlist_folder", true)
	v.SetDefault("download.bandwidth_limit", "")

	v.SetDefault("auth.cookie_method", "none")
	v.SetDefault("auth.cookie_file", "")

	v.SetDefault("network.timeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "file")
	v.SetDefault("logging.file_path", filepath.Join(GetDataDir(), "logs", "app.log"))
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	return filepath.Join(GetDataDir(), "settings.json")
}

// getDefaultDownloadDir returns the default download directory
func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "Downloads", "YouTube")
}

// ensureConfigDir ensures the configuration directory exists
func ensureConfigDir(configPath string) error {
	dir := filepath.Dir(configPath)
	return os.MkdirAll(dir, 0755)
}

// GetDataDir returns the application data directory
func GetDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tubequeue")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".tubequeue")
}
