// Package config loads server configuration from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// AuthMode selects how the server composes its authorization pieces.
type AuthMode string

const (
	// AuthModeEmbedded runs the authorization server in-process with the
	// MCP transport; tokens are verified by direct store lookup.
	AuthModeEmbedded AuthMode = "embedded"

	// AuthModeExternal runs only the MCP transport; tokens are verified
	// against a separate authorization server's introspection endpoint.
	AuthModeExternal AuthMode = "external"

	// AuthModeAuthOnly runs only the authorization server.
	AuthModeAuthOnly AuthMode = "auth_only"
)

// Config is the resolved server configuration.
type Config struct {
	// Port the MCP transport listens on.
	Port int

	// BaseURI is the canonical public base URI of this server, without a
	// trailing slash. It doubles as token audience and OAuth resource
	// identifier.
	BaseURI string

	// RedisURL in redis:// or rediss:// form.
	RedisURL string

	// RedisPassword overrides any password in RedisURL when set.
	RedisPassword string

	// RedisTLS forces TLS toward Redis even for a redis:// URL.
	RedisTLS bool

	// AuthMode selects embedded, external or auth_only composition.
	AuthMode AuthMode

	// AuthServerURL is the external authorization server's base URI.
	// Required in external mode.
	AuthServerURL string

	// AuthServerPort is the listen port in auth_only mode.
	AuthServerPort int
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 3232)
	v.SetDefault("BASE_URI", "http://localhost:3232")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("AUTH_MODE", string(AuthModeEmbedded))
	v.SetDefault("AUTH_SERVER_PORT", 3001)

	cfg := &Config{
		Port:           v.GetInt("PORT"),
		BaseURI:        strings.TrimSuffix(v.GetString("BASE_URI"), "/"),
		RedisURL:       v.GetString("REDIS_URL"),
		RedisPassword:  v.GetString("REDIS_PASSWORD"),
		RedisTLS:       v.GetBool("REDIS_TLS"),
		AuthMode:       AuthMode(v.GetString("AUTH_MODE")),
		AuthServerURL:  strings.TrimSuffix(v.GetString("AUTH_SERVER_URL"), "/"),
		AuthServerPort: v.GetInt("AUTH_SERVER_PORT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	base, err := url.Parse(c.BaseURI)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return fmt.Errorf("BASE_URI must be an absolute URL, got %q", c.BaseURI)
	}

	switch c.AuthMode {
	case AuthModeEmbedded, AuthModeAuthOnly:
	case AuthModeExternal:
		if c.AuthServerURL == "" {
			return fmt.Errorf("AUTH_SERVER_URL is required when AUTH_MODE=%s", AuthModeExternal)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be one of %s, %s, %s; got %q",
			AuthModeEmbedded, AuthModeExternal, AuthModeAuthOnly, c.AuthMode)
	}
	return nil
}

// Issuer returns the base URI of the authorization server clients should
// talk to.
func (c *Config) Issuer() string {
	if c.AuthMode == AuthModeExternal {
		return c.AuthServerURL
	}
	return c.BaseURI
}

// ResourceMetadataURL is the protected-resource metadata document location
// advertised in 401 challenges.
func (c *Config) ResourceMetadataURL() string {
	return c.BaseURI + "/.well-known/oauth-protected-resource"
}

// IntrospectionURL is the external introspection endpoint, meaningful only
// in external mode.
func (c *Config) IntrospectionURL() string {
	return c.AuthServerURL + "/introspect"
}

// RedisOptions builds client options from the configured URL and overrides.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if c.RedisPassword != "" {
		opts.Password = c.RedisPassword
	}
	if c.RedisTLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}
