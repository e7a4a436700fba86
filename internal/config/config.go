// Package config assembles service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings of both binaries.
type Config struct {
	Env      string
	HTTPAddr string

	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	TokenSigningSecret string
	AccessTokenSecret  string
	RefreshTokenSecret string

	InternalSigningSecret string
	InternalSigWindow     time.Duration

	CacheMaxTTL      time.Duration
	CacheFallbackTTL time.Duration

	InviteCodeTTL         time.Duration
	InviteCodeLength      int
	InviteCodeMaxAttempts int
	InviteRevokePrevious  bool

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	RedisURL          string
	AMQPURL           string
	AMQPExchange      string

	IdentityJWKSURL  string
	IdentityIssuer   string
	IdentityAudience string
	IdentityTimeout  time.Duration

	RelayUpstreamURL string
	RelayAllowPaths  []string
}

// Load populates the environment from every configured source and
// reads the result.
func Load(defaultEnvPath string) Config {
	LoadEnv(defaultEnvPath)
	return FromEnv()
}

// FromEnv reads settings from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Env:      envOr("APP_ENV", "production"),
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		AccessTokenTTL:     parseDurationEnv("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:    parseDurationEnv("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		TokenSigningSecret: os.Getenv("TOKEN_SIGNING_SECRET"),
		AccessTokenSecret:  os.Getenv("ACCESS_TOKEN_SECRET"),
		RefreshTokenSecret: os.Getenv("REFRESH_TOKEN_SECRET"),

		InternalSigningSecret: os.Getenv("INTERNAL_SIGNING_SECRET"),
		InternalSigWindow:     parseDurationEnv("INTERNAL_SIG_WINDOW", time.Minute),

		CacheMaxTTL:      parseDurationEnv("CACHE_MAX_TTL", 24*time.Hour),
		CacheFallbackTTL: parseDurationEnv("CACHE_FALLBACK_TTL", time.Minute),

		InviteCodeTTL:         parseDurationEnv("INVITE_CODE_TTL", 24*time.Hour),
		InviteCodeLength:      parseEnvInt("INVITE_CODE_LENGTH", 8),
		InviteCodeMaxAttempts: parseEnvInt("INVITE_CODE_MAX_ATTEMPTS", 10),
		InviteRevokePrevious:  parseEnvBool("INVITE_REVOKE_PREVIOUS", true),

		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:    parseEnvInt("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    parseEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: parseDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		RedisURL:          envOr("REDIS_URL", "redis://localhost:6379/0"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		AMQPExchange:      envOr("AMQP_EXCHANGE", "sessiontrust.audit"),

		IdentityJWKSURL:  os.Getenv("IDENTITY_JWKS_URL"),
		IdentityIssuer:   os.Getenv("IDENTITY_ISSUER"),
		IdentityAudience: os.Getenv("IDENTITY_AUDIENCE"),
		IdentityTimeout:  parseDurationEnv("IDENTITY_TIMEOUT", 5*time.Second),

		RelayUpstreamURL: os.Getenv("RELAY_UPSTREAM_URL"),
		RelayAllowPaths:  parseEnvList("RELAY_ALLOW_PATHS"),
	}
}

// Development reports whether APP_ENV selects development mode.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development")
}

// ValidateAuthService checks the settings the auth service cannot run
// without.
func (c Config) ValidateAuthService() error {
	if c.TokenSigningSecret == "" && (c.AccessTokenSecret == "" || c.RefreshTokenSecret == "") {
		return fmt.Errorf("TOKEN_SIGNING_SECRET is required unless ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET are both set")
	}
	if c.InternalSigningSecret == "" {
		return fmt.Errorf("INTERNAL_SIGNING_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.IdentityJWKSURL == "" {
		return fmt.Errorf("IDENTITY_JWKS_URL is required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.InviteCodeLength < 4 {
		return fmt.Errorf("INVITE_CODE_LENGTH must be at least 4")
	}
	return nil
}

// ValidateRelay checks the settings the edge relay cannot run without.
func (c Config) ValidateRelay() error {
	if c.InternalSigningSecret == "" {
		return fmt.Errorf("INTERNAL_SIGNING_SECRET is required")
	}
	if c.RelayUpstreamURL == "" {
		return fmt.Errorf("RELAY_UPSTREAM_URL is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseEnvList splits a comma-separated value, or returns nil when
// unset.
func parseEnvList(key string) []string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
