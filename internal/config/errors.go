package config

import "errors"

var (
	// ErrMissingDatabaseURL indicates that the postgres connection string is not configured
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

	// ErrMissingJWTSecret indicates that the HS256 signing secret is not configured
	ErrMissingJWTSecret = errors.New("JWT_HS256_SECRET is required when not in dev mode")

	// ErrInvalidRateLimit indicates a nonsensical rate limit configuration
	ErrInvalidRateLimit = errors.New("rate limit window, max requests and burst must all be positive")
)
