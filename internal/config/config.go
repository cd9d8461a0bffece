// Package config loads and validates the proxy configuration file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers []ProviderEntry `yaml:"providers"`
	Apple     AppleConfig     `yaml:"apple"`
	Auth      AuthConfig      `yaml:"auth"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	MockMode  bool            `yaml:"mock_mode"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 = no write deadline (required for SSE)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the embedded datastore.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// StorageConfig locates on-disk file roots.
type StorageConfig struct {
	UploadsDir  string `yaml:"uploads_dir"`
	ExportsDir  string `yaml:"exports_dir"`
	MaxFileSize int64  `yaml:"max_file_size"`  // cap for document uploads, bytes
	MaxImageSize int64 `yaml:"max_image_size"` // cap for image uploads, bytes
}

// ProviderEntry is an upstream chat provider definition.
type ProviderEntry struct {
	Name    string `yaml:"name"` // "deepseek", "kimi", "claude"
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Wire selects the adapter: "openai" (default) or "anthropic".
	// A Claude gateway speaking the OpenAI format sets wire: openai.
	Wire string `yaml:"wire"`
}

// AppleConfig configures Sign in with Apple verification.
type AppleConfig struct {
	Issuer    string        `yaml:"issuer"`
	ClientIDs []string      `yaml:"client_ids"`
	JWKSURL   string        `yaml:"jwks_url"`
	JWKSTTL   time.Duration `yaml:"jwks_ttl"`
}

// AuthConfig controls token lifecycle knobs.
type AuthConfig struct {
	TokenTTL      time.Duration `yaml:"token_ttl"`
	RefreshWindow time.Duration `yaml:"refresh_window"`
	ExportTTL     time.Duration `yaml:"export_ttl"`
}

// AdminConfig configures the admin surface. An empty key disables it.
type AdminConfig struct {
	Key string `yaml:"key"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	OTLPEndpoint    string  `yaml:"otlp_endpoint"` // empty = tracing disabled
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "oyster.db",
		},
		Storage: StorageConfig{
			UploadsDir:   "data/uploads",
			ExportsDir:   "data/exports",
			MaxFileSize:  20 << 20,
			MaxImageSize: 10 << 20,
		},
		Apple: AppleConfig{
			Issuer:  "https://appleid.apple.com",
			JWKSURL: "https://appleid.apple.com/auth/keys",
			JWKSTTL: time.Hour,
		},
		Auth: AuthConfig{
			TokenTTL:      30 * 24 * time.Hour,
			RefreshWindow: 7 * 24 * time.Hour,
			ExportTTL:     24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			TraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Auth.RefreshWindow >= c.Auth.TokenTTL {
		return fmt.Errorf("auth.refresh_window (%s) must be shorter than auth.token_ttl (%s)",
			c.Auth.RefreshWindow, c.Auth.TokenTTL)
	}
	if c.Apple.JWKSTTL < time.Minute {
		c.Apple.JWKSTTL = time.Minute
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if !c.MockMode && p.APIKey == "" {
			return fmt.Errorf("provider %q missing api_key", p.Name)
		}
	}
	return nil
}
