package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/hannes/yaak-anon/pii"
)

func TestValidatePort(t *testing.T) {
	testCases := []struct {
		name      string
		port      string
		fieldName string
		expectErr bool
		errString string
	}{
		{
			name:      "valid port",
			port:      ":8080",
			fieldName: "Server.Port",
			expectErr: false,
		},
		{
			name:      "empty port",
			port:      "",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port cannot be empty",
		},
		{
			name:      "no colon",
			port:      "8080",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be in format ':PORT' where PORT is numeric (current value: 8080)",
		},
		{
			name:      "non-numeric",
			port:      ":abcd",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be in format ':PORT' where PORT is numeric (current value: :abcd)",
		},
		{
			name:      "port out of range (low)",
			port:      ":0",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be between 1 and 65535 (current value: 0)",
		},
		{
			name:      "port out of range (high)",
			port:      ":65536",
			fieldName: "Server.Port",
			expectErr: true,
			errString: "Server.Port: port must be between 1 and 65535 (current value: 65536)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePort(tc.port, tc.fieldName)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected an error, but got nil")
				} else if err.Error() != tc.errString {
					t.Errorf("expected error string '%s', but got '%s'", tc.errString, err.Error())
				}
			} else if err != nil {
				t.Errorf("expected no error, but got: %v", err)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Fuzzy.Threshold != pii.DefaultFuzzyThreshold || opts.PlaceholderMode != pii.PlaceholderUniform {
		t.Errorf("unexpected default options %+v", opts)
	}
}

func TestValidate_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty detector", func(c *Config) { c.DetectorName = "" }},
		{"threshold out of range", func(c *Config) { c.Anonymizer.FuzzyThreshold = 120 }},
		{"unknown mode", func(c *Config) { c.Anonymizer.PlaceholderMode = "emoji" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = "8080" }},
		{"negative rate", func(c *Config) { c.Server.RateLimit = -1 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, pii.ErrInvalidConfiguration) {
				t.Errorf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	testCases := []struct {
		name    string
		file    string
		content string
	}{
		{"json", "anon.json", `{"detector": "model_detector", "anonymizer": {"custom_words": ["Müller"], "fuzzy": true, "fuzzy_threshold": 90, "placeholder_mode": "per-category"}, "server": {"port": ":9090"}}`},
		{"yaml", "anon.yaml", "detector: model_detector\nanonymizer:\n  custom_words: [Müller]\n  fuzzy: true\n  fuzzy_threshold: 90\n  placeholder_mode: per-category\nserver:\n  port: \":9090\"\n"},
		{"toml", "anon.toml", "detector = \"model_detector\"\n[anonymizer]\ncustom_words = [\"Müller\"]\nfuzzy = true\nfuzzy_threshold = 90\nplaceholder_mode = \"per-category\"\n[server]\nport = \":9090\"\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadFromFile(writeFile(t, tc.file, tc.content))
			if err != nil {
				t.Fatalf("LoadFromFile failed: %v", err)
			}
			if cfg.DetectorName != "model_detector" || cfg.Server.Port != ":9090" {
				t.Errorf("unexpected config %+v", cfg)
			}
			if len(cfg.Anonymizer.CustomWords) != 1 || cfg.Anonymizer.CustomWords[0] != "Müller" {
				t.Errorf("unexpected custom words %v", cfg.Anonymizer.CustomWords)
			}
			if !cfg.Anonymizer.FuzzyEnabled || cfg.Anonymizer.FuzzyThreshold != 90 {
				t.Errorf("unexpected fuzzy settings %+v", cfg.Anonymizer)
			}
			// Unset fields keep their defaults
			if cfg.Concurrency != 4 || cfg.Database.Driver != "sqlite" {
				t.Errorf("expected defaults to survive, got %+v", cfg)
			}
		})
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFromFile(writeFile(t, "anon.ini", "x=1")); !errors.Is(err, pii.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration for unknown extension, got %v", err)
	}
	if _, err := LoadFromFile(writeFile(t, "anon.json", "{not json")); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DETECTOR_NAME", "model_detector")
	t.Setenv("MODEL_BASE_URL", "http://ner:9000")
	t.Setenv("ANON_CUSTOM_WORDS", "Müller, Meier,,")
	t.Setenv("ANON_FUZZY", "true")
	t.Setenv("ANON_FUZZY_THRESHOLD", "70")
	t.Setenv("ANON_PLACEHOLDER_MODE", "per-category")
	t.Setenv("DB_ENABLED", "1")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("SERVER_RATE_LIMIT", "2.5")
	t.Setenv("SERVER_ALLOWED_ORIGINS", "http://localhost:3000, http://127.0.0.1:3000")

	cfg := DefaultConfig()
	if err := LoadFromEnv(cfg); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.DetectorName != "model_detector" || cfg.ModelBaseURL != "http://ner:9000" {
		t.Errorf("unexpected detector settings %+v", cfg)
	}
	if got := strings.Join(cfg.Anonymizer.CustomWords, "|"); got != "Müller|Meier" {
		t.Errorf("unexpected custom words %q", got)
	}
	if !cfg.Anonymizer.FuzzyEnabled || cfg.Anonymizer.FuzzyThreshold != 70 {
		t.Errorf("unexpected fuzzy settings %+v", cfg.Anonymizer)
	}
	if !cfg.Database.Enabled || cfg.Database.Port != 6543 {
		t.Errorf("unexpected database settings %+v", cfg.Database)
	}
	if cfg.Server.RateLimit != 2.5 {
		t.Errorf("unexpected rate limit %v", cfg.Server.RateLimit)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "http://127.0.0.1:3000" {
		t.Errorf("unexpected allowed origins %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadFromEnv_MalformedNumbers(t *testing.T) {
	t.Setenv("DB_PORT", "five")
	t.Setenv("SERVER_RATE_LIMIT", "fast")

	cfg := DefaultConfig()
	err := LoadFromEnv(cfg)
	if err == nil {
		t.Fatal("expected error for malformed numbers")
	}
	if !strings.Contains(err.Error(), "DB_PORT") || !strings.Contains(err.Error(), "SERVER_RATE_LIMIT") {
		t.Errorf("expected both keys in error, got %v", err)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("expected port to keep its default, got %d", cfg.Database.Port)
	}
}

func TestLoadCustomWords(t *testing.T) {
	path := writeFile(t, "words.txt", "# Mandanten\nMüller\n\n  Meier  \n#Schmidt\nACME GmbH\n")

	words, err := LoadCustomWords(path)
	if err != nil {
		t.Fatalf("LoadCustomWords failed: %v", err)
	}
	if got := strings.Join(words, "|"); got != "Müller|Meier|ACME GmbH" {
		t.Errorf("unexpected words %q", got)
	}

	if _, err := LoadCustomWords(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Driver = "postgres"
	cfg.Database.MaxLifetime = 60

	store := cfg.StoreConfig()
	if store.Driver != "postgres" || store.MaxLifetime.Seconds() != 60 || store.Port != 5432 {
		t.Errorf("unexpected store config %+v", store)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn"}, &buf)
	if logger.GetLevel() != log.WarnLevel {
		t.Errorf("expected warn level, got %v", logger.GetLevel())
	}
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}

	verbose := NewLogger(LoggingConfig{Level: "info", LogVerbose: true}, &buf)
	if verbose.GetLevel() != log.DebugLevel {
		t.Errorf("expected verbose logging to enable debug level, got %v", verbose.GetLevel())
	}
}
