package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hannes/yaak-anon/pii"
	"gopkg.in/yaml.v3"
)

// AnonymizerConfig holds the default match options for every run
type AnonymizerConfig struct {
	CustomWords     []string `json:"custom_words" yaml:"custom_words" toml:"custom_words"`
	CustomWordsFile string   `json:"custom_words_file" yaml:"custom_words_file" toml:"custom_words_file"`
	RegexPattern    string   `json:"regex" yaml:"regex" toml:"regex"`
	FuzzyEnabled    bool     `json:"fuzzy" yaml:"fuzzy" toml:"fuzzy"`
	FuzzyThreshold  int      `json:"fuzzy_threshold" yaml:"fuzzy_threshold" toml:"fuzzy_threshold"`
	PlaceholderMode string   `json:"placeholder_mode" yaml:"placeholder_mode" toml:"placeholder_mode"`
}

// DatabaseConfig holds audit database configuration
type DatabaseConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" toml:"enabled"`                      // Whether to record runs
	Driver       string `json:"driver" yaml:"driver" toml:"driver"`                         // sqlite, postgres or memory
	Path         string `json:"path" yaml:"path" toml:"path"`                               // SQLite database file
	Host         string `json:"host" yaml:"host" toml:"host"`                               // Database host
	Port         int    `json:"port" yaml:"port" toml:"port"`                               // Database port
	Database     string `json:"database" yaml:"database" toml:"database"`                   // Database name
	Username     string `json:"username" yaml:"username" toml:"username"`                   // Database username
	Password     string `json:"password" yaml:"password" toml:"password"`                   // Database password
	SSLMode      string `json:"ssl_mode" yaml:"ssl_mode" toml:"ssl_mode"`                   // SSL mode (disable, require, etc.)
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"` // Maximum open connections
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"` // Maximum idle connections
	MaxLifetime  int    `json:"max_lifetime" yaml:"max_lifetime" toml:"max_lifetime"`       // Connection max lifetime in seconds
	CleanupHours int    `json:"cleanup_hours" yaml:"cleanup_hours" toml:"cleanup_hours"`    // Hours after which to cleanup old runs
}

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level           string `json:"level" yaml:"level" toml:"level"`
	LogVerbose      bool   `json:"verbose" yaml:"verbose" toml:"verbose"` // Log each redacted token at debug level
	ReportTimestamp bool   `json:"timestamps" yaml:"timestamps" toml:"timestamps"`
}

// ServerConfig holds HTTP API configuration. The API has no authentication
// and is meant for localhost or a trusted network.
type ServerConfig struct {
	Port           string   `json:"port" yaml:"port" toml:"port"`
	RateLimit      float64  `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"` // Requests per second, 0 disables
	Burst          int      `json:"burst" yaml:"burst" toml:"burst"`
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	WatchModel     bool     `json:"watch_model" yaml:"watch_model" toml:"watch_model"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"` // CORS origins, "*" allows any
}

// Config holds all configuration for the anonymization service
type Config struct {
	DetectorName   string            `json:"detector" yaml:"detector" toml:"detector"`
	ModelBaseURL   string            `json:"model_base_url" yaml:"model_base_url" toml:"model_base_url"`
	ModelDirectory string            `json:"model_directory" yaml:"model_directory" toml:"model_directory"`
	SentryDSN      string            `json:"sentry_dsn" yaml:"sentry_dsn" toml:"sentry_dsn"`
	Concurrency    int               `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	EntityPatterns map[string]string `json:"entity_patterns" yaml:"entity_patterns" toml:"entity_patterns"` // regex_detector label -> expression
	Anonymizer     AnonymizerConfig  `json:"anonymizer" yaml:"anonymizer" toml:"anonymizer"`
	Database       DatabaseConfig    `json:"database" yaml:"database" toml:"database"`
	Logging        LoggingConfig     `json:"logging" yaml:"logging" toml:"logging"`
	Server         ServerConfig      `json:"server" yaml:"server" toml:"server"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DetectorName:   "onnx_model_detector",
		ModelBaseURL:   "http://localhost:8000",
		ModelDirectory: "model/quantized",
		Concurrency:    4,
		Anonymizer: AnonymizerConfig{
			FuzzyThreshold:  pii.DefaultFuzzyThreshold,
			PlaceholderMode: string(pii.PlaceholderUniform),
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Driver:       "sqlite",
			Path:         "yaak-anon.db",
			Host:         "localhost",
			Port:         5432,
			Database:     "yaak",
			Username:     "postgres",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
			CleanupHours: 24 * 30,
		},
		Logging: LoggingConfig{
			Level:           "info",
			ReportTimestamp: true,
		},
		Server: ServerConfig{
			Port:         ":8080",
			RateLimit:    20,
			Burst:        40,
			MaxBodyBytes: 10 << 20,
		},
	}
}

// LoadFromFile reads a JSON, YAML or TOML file (chosen by extension) over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported config file extension %q", pii.ErrInvalidConfiguration, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overrides cfg with environment variables. Malformed numbers are
// reported instead of silently ignored.
func LoadFromEnv(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	// Detector configuration
	setString("DETECTOR_NAME", &cfg.DetectorName)
	setString("MODEL_BASE_URL", &cfg.ModelBaseURL)
	setString("MODEL_DIRECTORY", &cfg.ModelDirectory)
	setString("SENTRY_DSN", &cfg.SentryDSN)
	setInt("ANON_CONCURRENCY", &cfg.Concurrency)

	// Anonymizer defaults
	if words := os.Getenv("ANON_CUSTOM_WORDS"); words != "" {
		cfg.Anonymizer.CustomWords = SplitWordList(words)
	}
	setString("ANON_CUSTOM_WORDS_FILE", &cfg.Anonymizer.CustomWordsFile)
	setString("ANON_REGEX", &cfg.Anonymizer.RegexPattern)
	setBool("ANON_FUZZY", &cfg.Anonymizer.FuzzyEnabled)
	setInt("ANON_FUZZY_THRESHOLD", &cfg.Anonymizer.FuzzyThreshold)
	setString("ANON_PLACEHOLDER_MODE", &cfg.Anonymizer.PlaceholderMode)

	// Database configuration
	setBool("DB_ENABLED", &cfg.Database.Enabled)
	setString("DB_DRIVER", &cfg.Database.Driver)
	setString("DB_PATH", &cfg.Database.Path)
	setString("DB_HOST", &cfg.Database.Host)
	setInt("DB_PORT", &cfg.Database.Port)
	setString("DB_NAME", &cfg.Database.Database)
	setString("DB_USER", &cfg.Database.Username)
	setString("DB_PASSWORD", &cfg.Database.Password)
	setString("DB_SSL_MODE", &cfg.Database.SSLMode)
	setInt("DB_CLEANUP_HOURS", &cfg.Database.CleanupHours)

	// Logging configuration
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setBool("LOG_VERBOSE", &cfg.Logging.LogVerbose)

	// Server configuration
	setString("SERVER_PORT", &cfg.Server.Port)
	setInt("SERVER_BURST", &cfg.Server.Burst)
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = SplitWordList(origins)
	}
	if v := os.Getenv("SERVER_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SERVER_RATE_LIMIT: %w", err))
		} else {
			cfg.Server.RateLimit = f
		}
	}

	return errors.Join(errs...)
}

// Validate checks the configuration before anything is started.
func (c *Config) Validate() error {
	if c.DetectorName == "" {
		return fmt.Errorf("%w: detector name cannot be empty", pii.ErrInvalidConfiguration)
	}
	if _, err := c.Options(); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1 (current value: %d)", pii.ErrInvalidConfiguration, c.Concurrency)
	}
	if err := validatePort(c.Server.Port, "Server.Port"); err != nil {
		return fmt.Errorf("%w: %v", pii.ErrInvalidConfiguration, err)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit cannot be negative", pii.ErrInvalidConfiguration)
	}
	return nil
}

// Options converts the anonymizer section into resolver options. The custom
// words file is not read here; see LoadCustomWords.
func (c *Config) Options() (pii.Options, error) {
	mode, err := pii.ParsePlaceholderMode(c.Anonymizer.PlaceholderMode)
	if err != nil {
		return pii.Options{}, err
	}
	opts := pii.Options{
		CustomWords:  append([]string(nil), c.Anonymizer.CustomWords...),
		RegexPattern: c.Anonymizer.RegexPattern,
		Fuzzy: pii.FuzzyConfig{
			Enabled:   c.Anonymizer.FuzzyEnabled,
			Threshold: c.Anonymizer.FuzzyThreshold,
		},
		PlaceholderMode: mode,
	}
	if err := opts.Validate(); err != nil {
		return pii.Options{}, err
	}
	return opts, nil
}

// StoreConfig maps the database section onto the audit store configuration.
func (c *Config) StoreConfig() pii.DatabaseConfig {
	return pii.DatabaseConfig{
		Driver:       c.Database.Driver,
		Path:         c.Database.Path,
		Host:         c.Database.Host,
		Port:         c.Database.Port,
		Database:     c.Database.Database,
		Username:     c.Database.Username,
		Password:     c.Database.Password,
		SSLMode:      c.Database.SSLMode,
		MaxOpenConns: c.Database.MaxOpenConns,
		MaxIdleConns: c.Database.MaxIdleConns,
		MaxLifetime:  time.Duration(c.Database.MaxLifetime) * time.Second,
	}
}

// DetectorSettings returns the factory settings for the configured detector.
func (c *Config) DetectorSettings() map[string]interface{} {
	settings := map[string]interface{}{
		"base_url": c.ModelBaseURL,
	}
	if len(c.EntityPatterns) > 0 {
		settings["patterns"] = c.EntityPatterns
	}
	return settings
}

func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	n, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, n)
	}
	return nil
}

// SplitWordList splits a comma separated list, dropping empty entries.
func SplitWordList(s string) []string {
	var words []string
	for _, w := range strings.Split(s, ",") {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return words
}

// LoadCustomWords reads one word per line. Blank lines and lines starting
// with # are skipped.
func LoadCustomWords(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open custom words file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read custom words file: %w", err)
	}
	return words, nil
}
