package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
	ModeTest        Mode = "test"
)

type Config struct {
	Mode       Mode             `json:"mode"`
	Domain     string           `json:"domain"`
	Server     ServerConfig     `json:"server,omitempty"`
	Federation FederationConfig `json:"federation,omitempty"`
}

type ServerConfig struct {
	Address string `json:"address"`
}

type FederationConfig struct {
	// DisableSignatureChecks skips inbound signature verification entirely.
	// Honored only outside production; see auth.Verifier.
	DisableSignatureChecks bool `json:"disable_signature_checks"`

	// FetchTimeoutSeconds bounds remote actor and key document fetches.
	FetchTimeoutSeconds int `json:"fetch_timeout_seconds"`

	// KeyCacheTTLSeconds bounds how long a resolved remote public key is
	// reused before it must be fetched again.
	KeyCacheTTLSeconds int `json:"key_cache_ttl_seconds"`
}

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultKeyCacheTTL  = time.Hour
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeDevelopment
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("config is missing required field: domain")
	}

	return &cfg, nil
}

func LoadFromEnv() *Config {
	return &Config{
		Mode:   Mode(getEnv("CONVOKE_MODE", string(ModeDevelopment))),
		Domain: getEnv("CONVOKE_DOMAIN", "localhost"),
		Server: ServerConfig{
			Address: getEnv("CONVOKE_ADDRESS", ":8443"),
		},
		Federation: FederationConfig{
			DisableSignatureChecks: os.Getenv("CONVOKE_DISABLE_SIGNATURE_CHECKS") == "1",
		},
	}
}

// IsProduction reports whether the runtime is a production deployment. The
// environment variable wins over the config file so a misconfigured file
// cannot downgrade a production host.
func (c *Config) IsProduction() bool {
	if os.Getenv("CONVOKE_ENV") == "production" {
		return true
	}
	return c.Mode == ModeProduction
}

// FetchTimeout returns the configured remote fetch timeout, or the default.
func (c *Config) FetchTimeout() time.Duration {
	if c.Federation.FetchTimeoutSeconds > 0 {
		return time.Duration(c.Federation.FetchTimeoutSeconds) * time.Second
	}
	return DefaultFetchTimeout
}

// KeyCacheTTL returns the configured key cache TTL, or the default.
func (c *Config) KeyCacheTTL() time.Duration {
	if c.Federation.KeyCacheTTLSeconds > 0 {
		return time.Duration(c.Federation.KeyCacheTTLSeconds) * time.Second
	}
	return DefaultKeyCacheTTL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
