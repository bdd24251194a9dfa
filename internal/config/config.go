// Package config loads server configuration from the environment.
package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the cart API server.
type Config struct {
	Env         string   `envconfig:"ENV" default:"dev"`
	HTTPAddr    string   `envconfig:"HTTP_ADDR" default:":8081"`
	DatabaseURL string   `envconfig:"DATABASE_URL"`
	JWTSecret   string   `envconfig:"JWT_HS256_SECRET"`
	DevMode     bool     `envconfig:"DEV_MODE" default:"false"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`

	// Per-user API rate limiting.
	RateWindowSeconds int `envconfig:"RATE_WINDOW_SECONDS" default:"60"`
	RateMaxRequests   int `envconfig:"RATE_MAX_REQUESTS" default:"600"`
	RateBurst         int `envconfig:"RATE_BURST" default:"120"`
}

// Load reads configuration from the environment.
// Validation is deferred so callers can apply overrides first.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.JWTSecret == "" && !c.DevMode {
		return ErrMissingJWTSecret
	}
	if c.RateWindowSeconds <= 0 || c.RateMaxRequests <= 0 || c.RateBurst <= 0 {
		return ErrInvalidRateLimit
	}
	return nil
}
