// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway configuration from YAML, with
// environment overrides under the MCPGW_ prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// Config is the root gateway configuration.
type Config struct {
	Transport  TransportConfig  `mapstructure:"transport"`
	AuthServer AuthServerConfig `mapstructure:"authserver"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`
}

// TransportConfig selects and configures the transport layer.
type TransportConfig struct {
	// Type is stdio, streamable-http, or sse.
	Type string `mapstructure:"type"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	AllowedHosts           []string      `mapstructure:"allowed_hosts"`
	DNSRebindingProtection bool          `mapstructure:"dns_rebinding_protection"`
	SkipAuthentication     bool          `mapstructure:"skip_authentication"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
}

// AuthServerConfig configures the OAuth authorization server role.
type AuthServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Issuer  string `mapstructure:"issuer"`

	AccessTokenLifespan  time.Duration `mapstructure:"access_token_lifespan"`
	RefreshTokenLifespan time.Duration `mapstructure:"refresh_token_lifespan"`
	AuthCodeLifespan     time.Duration `mapstructure:"auth_code_lifespan"`

	AllowedRedirectHosts []string `mapstructure:"allowed_redirect_hosts"`
	RequireHTTPS         bool     `mapstructure:"require_https"`
	DefaultScope         string   `mapstructure:"default_scope"`
}

// UpstreamConfig configures the OAuth consumer role.
type UpstreamConfig struct {
	Enabled bool `mapstructure:"enabled"`

	ProviderID   string   `mapstructure:"provider_id"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	Scopes       []string `mapstructure:"scopes"`
	UsePKCE      bool     `mapstructure:"use_pkce"`

	RefreshBuffer time.Duration `mapstructure:"refresh_buffer"`
}

// StorageConfig selects the KV backend.
type StorageConfig struct {
	// Backend is memory, sqlite, or redis.
	Backend string `mapstructure:"backend"`

	// Path is the SQLite database path.
	Path string `mapstructure:"path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// APIConfig configures the monitoring API.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// setDefaults applies the default configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.type", "streamable-http")
	v.SetDefault("transport.host", "127.0.0.1")
	v.SetDefault("transport.port", 3500)
	v.SetDefault("transport.dns_rebinding_protection", true)
	v.SetDefault("transport.request_timeout", 30*time.Second)

	v.SetDefault("authserver.enabled", true)
	v.SetDefault("authserver.issuer", "http://localhost:3500")
	v.SetDefault("authserver.default_scope", "read write")

	v.SetDefault("upstream.use_pkce", true)
	v.SetDefault("upstream.refresh_buffer", 5*time.Minute)

	v.SetDefault("storage.backend", "sqlite")

	v.SetDefault("api.enabled", true)
}

// Load reads the configuration from the given file (optional) plus
// environment overrides, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MCPGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Debugw("loaded configuration", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the type system cannot.
func (c *Config) Validate() error {
	switch c.Transport.Type {
	case "stdio", "streamable-http", "sse":
	default:
		return fmt.Errorf("transport.type must be stdio, streamable-http, or sse, got %q", c.Transport.Type)
	}

	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport.port out of range: %d", c.Transport.Port)
	}

	if c.AuthServer.Enabled && c.AuthServer.Issuer == "" {
		return fmt.Errorf("authserver.issuer is required when the auth server is enabled")
	}

	if c.Upstream.Enabled {
		for field, value := range map[string]string{
			"upstream.provider_id": c.Upstream.ProviderID,
			"upstream.client_id":   c.Upstream.ClientID,
			"upstream.auth_url":    c.Upstream.AuthURL,
			"upstream.token_url":   c.Upstream.TokenURL,
		} {
			if value == "" {
				return fmt.Errorf("%s is required when the upstream provider is enabled", field)
			}
		}
	}

	switch c.Storage.Backend {
	case "", "memory", "sqlite":
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, sqlite, or redis, got %q", c.Storage.Backend)
	}

	return nil
}
