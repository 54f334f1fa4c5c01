package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default API endpoint when {claude_dir}/longhouse-url is absent.
const defaultAPIURL = "http://localhost:47300"

// Config holds the shipper's runtime settings.
type Config struct {
	// APIURL is the ingest endpoint base URL
	APIURL string `yaml:"api_url"`

	// APIToken authenticates requests (X-Agents-Token header); empty
	// means unauthenticated
	APIToken string `yaml:"api_token"`

	// DBPath is the SQLite state store location
	DBPath string `yaml:"db_path"`

	// Compression selects the payload algorithm (gzip or zstd)
	Compression string `yaml:"compression"`

	// FlushInterval is how long the watcher coalesces file events
	FlushInterval time.Duration `yaml:"flush_interval"`

	// FallbackScanInterval is the full-scan cadence (min 10s)
	FallbackScanInterval time.Duration `yaml:"fallback_scan_interval"`

	// SpoolReplayInterval is the retry-queue drain cadence (min 5s)
	SpoolReplayInterval time.Duration `yaml:"spool_replay_interval"`

	// HTTPTimeout is the total per-request timeout
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// MaxSpoolRetries is the retry ceiling before a spool row is dead
	MaxSpoolRetries int `yaml:"max_spool_retries"`

	// Workers is the parse+compress pool size for bulk shipping
	// (0 = NumCPU)
	Workers int `yaml:"workers"`

	// LogLevel sets verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is where the daemon writes rolling log files
	LogDir string `yaml:"log_dir"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		APIURL:               defaultAPIURL,
		Compression:          "zstd",
		FlushInterval:        500 * time.Millisecond,
		FallbackScanInterval: 300 * time.Second,
		SpoolReplayInterval:  30 * time.Second,
		HTTPTimeout:          60 * time.Second,
		MaxSpoolRetries:      50,
		Workers:              0,
		LogLevel:             "info",
	}
}

// Load resolves the full configuration:
// defaults → {claude_dir}/shipper.yaml → environment → well-known files.
// Missing YAML file and missing well-known files are not errors.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	claudeDir, err := ClaudeDir()
	if err != nil {
		return nil, err
	}

	if err := cfg.loadFile(filepath.Join(claudeDir, "shipper.yaml")); err != nil {
		return nil, err
	}

	// Well-known files fill anything the YAML left at its default.
	if cfg.APIURL == defaultAPIURL {
		if url := readWellKnownFile(claudeDir, "longhouse-url"); url != "" {
			cfg.APIURL = url
		}
	}
	if cfg.APIToken == "" {
		cfg.APIToken = readWellKnownFile(claudeDir, "longhouse-device-token")
	}
	// Environment wins over files for the token.
	if token := os.Getenv("AGENTS_API_TOKEN"); token != "" {
		cfg.APIToken = token
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(claudeDir, "longhouse-shipper.db")
	}
	if cfg.LogDir == "" {
		logDir, err := DefaultLogDir()
		if err != nil {
			return nil, err
		}
		cfg.LogDir = logDir
	}

	return cfg, nil
}

// loadFile merges non-zero values from a YAML file over the receiver.
// A missing file is not an error; a malformed one is.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Durations are written as strings ("500ms", "5m"), so parse via an
	// intermediate shape.
	type yamlConfig struct {
		APIURL               string `yaml:"api_url"`
		APIToken             string `yaml:"api_token"`
		DBPath               string `yaml:"db_path"`
		Compression          string `yaml:"compression"`
		FlushInterval        string `yaml:"flush_interval"`
		FallbackScanInterval string `yaml:"fallback_scan_interval"`
		SpoolReplayInterval  string `yaml:"spool_replay_interval"`
		HTTPTimeout          string `yaml:"http_timeout"`
		MaxSpoolRetries      int    `yaml:"max_spool_retries"`
		Workers              int    `yaml:"workers"`
		LogLevel             string `yaml:"log_level"`
		LogDir               string `yaml:"log_dir"`
	}

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if raw.APIURL != "" {
		c.APIURL = raw.APIURL
	}
	if raw.APIToken != "" {
		c.APIToken = raw.APIToken
	}
	if raw.DBPath != "" {
		c.DBPath = raw.DBPath
	}
	if raw.Compression != "" {
		c.Compression = raw.Compression
	}
	durations := []struct {
		value string
		field string
		dst   *time.Duration
	}{
		{raw.FlushInterval, "flush_interval", &c.FlushInterval},
		{raw.FallbackScanInterval, "fallback_scan_interval", &c.FallbackScanInterval},
		{raw.SpoolReplayInterval, "spool_replay_interval", &c.SpoolReplayInterval},
		{raw.HTTPTimeout, "http_timeout", &c.HTTPTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.field, d.value, err)
		}
		*d.dst = parsed
	}
	if raw.MaxSpoolRetries != 0 {
		c.MaxSpoolRetries = raw.MaxSpoolRetries
	}
	if raw.Workers != 0 {
		c.Workers = raw.Workers
	}
	if raw.LogLevel != "" {
		c.LogLevel = raw.LogLevel
	}
	if raw.LogDir != "" {
		c.LogDir = raw.LogDir
	}

	return nil
}

// ApplyOverrides merges CLI flag values into the configuration.
// Empty strings leave the configured value in place.
func (c *Config) ApplyOverrides(url, token, db string) {
	if url != "" {
		c.APIURL = url
	}
	if token != "" {
		c.APIToken = token
	}
	if db != "" {
		c.DBPath = db
	}
}

// Validate checks configuration values and clamps interval floors.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url cannot be empty")
	}
	if c.Compression != "gzip" && c.Compression != "zstd" {
		return fmt.Errorf("invalid compression %q, must be gzip or zstd", c.Compression)
	}
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be > 0, got %v", c.FlushInterval)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be > 0, got %v", c.HTTPTimeout)
	}
	if c.MaxSpoolRetries <= 0 {
		return fmt.Errorf("max_spool_retries must be > 0, got %d", c.MaxSpoolRetries)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}

	// Floors keep a misconfigured daemon from busy-looping.
	if c.FallbackScanInterval < 10*time.Second {
		c.FallbackScanInterval = 10 * time.Second
	}
	if c.SpoolReplayInterval < 5*time.Second {
		c.SpoolReplayInterval = 5 * time.Second
	}

	return nil
}
