package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	commonerrors "github.com/DKeken/axion-stack-sub001/internal/common/errors"
)

const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"

	MismatchReject       = "reject"
	MismatchRevokeFamily = "revoke_family"
)

type AuthConfig struct {
	HTTPPort       string        `env:"AUTH_HTTP_PORT" env-default:"8081"`
	RequestTimeout time.Duration `env:"AUTH_REQUEST_TIMEOUT" env-default:"5s"`
	CookieSecure   bool          `env:"COOKIE_SECURE" env-default:"true"`

	Tokens      TokenConfig
	Store       StoreConfig
	Resilience  ResilienceConfig
	Cleanup     CleanupConfig
	// DatabaseURL may only be empty with the memory token store.
	DatabaseURL    string `env:"DATABASE_URL"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" env-default:"true"`
	ExposeMetrics  bool   `env:"EXPOSE_METRICS" env-default:"true"`
}

type TokenConfig struct {
	JWTSecret                 string        `env:"JWT_SECRET" env-required:"true"`
	Issuer                    string        `env:"JWT_ISSUER" env-default:"axion-auth"`
	AccessTokenTTL            time.Duration `env:"ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL           time.Duration `env:"REFRESH_TOKEN_TTL" env-default:"720h"`
	ExpiryLeeway              time.Duration `env:"TOKEN_EXPIRY_LEEWAY" env-default:"5s"`
	FingerprintPepper         string        `env:"FINGERPRINT_PEPPER"`
	FingerprintMismatchPolicy string        `env:"FINGERPRINT_MISMATCH_POLICY" env-default:"reject"`
}

type StoreConfig struct {
	Backend          string        `env:"TOKEN_STORE" env-default:"postgres"`
	CallTimeout      time.Duration `env:"STORE_CALL_TIMEOUT" env-default:"3s"`
	RedisAddr        string        `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix   string        `env:"REDIS_KEY_PREFIX" env-default:"auth:"`
	DynamoDBTable    string        `env:"DYNAMODB_TABLE" env-default:"auth_tokens"`
	DynamoDBEndpoint string        `env:"DYNAMODB_ENDPOINT"`
	DynamoDBCreate   bool          `env:"DYNAMODB_CREATE_TABLE" env-default:"false"`
	AWSRegion        string        `env:"AWS_REGION" env-default:"us-east-1"`
}

type ResilienceConfig struct {
	CircuitBreakerThreshold int32         `env:"CIRCUIT_BREAKER_THRESHOLD" env-default:"5"`
	CircuitBreakerReset     time.Duration `env:"CIRCUIT_BREAKER_RESET" env-default:"30s"`
}

type CleanupConfig struct {
	Interval  time.Duration `env:"CLEANUP_INTERVAL" env-default:"1h"`
	Retention time.Duration `env:"CLEANUP_RETENTION" env-default:"168h"`
}

func LoadAuthConfig() (AuthConfig, error) {
	var cfg AuthConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return AuthConfig{}, commonerrors.ErrMissingRequiredEnv.WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

func (c AuthConfig) Validate() error {
	if err := validateJWTSecret(c.Tokens.JWTSecret); err != nil {
		return err
	}

	switch c.Store.Backend {
	case StorePostgres, StoreRedis, StoreDynamoDB, StoreMemory:
	default:
		return commonerrors.ErrInvalidConfig.WithCause(fmt.Errorf("unknown TOKEN_STORE %q", c.Store.Backend))
	}

	if c.DatabaseURL == "" && c.Store.Backend != StoreMemory {
		return commonerrors.ErrMissingRequiredEnv.WithCause(
			fmt.Errorf("DATABASE_URL is required with TOKEN_STORE=%s", c.Store.Backend),
		)
	}

	switch strings.ToLower(c.Tokens.FingerprintMismatchPolicy) {
	case MismatchReject, MismatchRevokeFamily:
	default:
		return commonerrors.ErrInvalidConfig.WithCause(
			fmt.Errorf("unknown FINGERPRINT_MISMATCH_POLICY %q", c.Tokens.FingerprintMismatchPolicy),
		)
	}

	if c.Tokens.AccessTokenTTL <= 0 || c.Tokens.RefreshTokenTTL <= c.Tokens.AccessTokenTTL {
		return commonerrors.ErrInvalidConfig.WithCause(fmt.Errorf(
			"refresh token ttl (%s) must exceed access token ttl (%s)",
			c.Tokens.RefreshTokenTTL, c.Tokens.AccessTokenTTL,
		))
	}

	if c.Tokens.RefreshTokenTTL < constants.MinRefreshTokenTTL || c.Tokens.RefreshTokenTTL > constants.MaxRefreshTokenTTL {
		return commonerrors.ErrInvalidConfig.WithCause(fmt.Errorf(
			"REFRESH_TOKEN_TTL %s outside [%s, %s]",
			c.Tokens.RefreshTokenTTL, constants.MinRefreshTokenTTL, constants.MaxRefreshTokenTTL,
		))
	}

	if c.Tokens.ExpiryLeeway < 0 || c.Tokens.ExpiryLeeway > time.Minute {
		return commonerrors.ErrInvalidConfig.WithCause(fmt.Errorf("TOKEN_EXPIRY_LEEWAY %s out of range", c.Tokens.ExpiryLeeway))
	}

	return nil
}

func validateJWTSecret(secret string) error {
	if len(secret) < constants.JWTSecretMinLength {
		return commonerrors.ErrInvalidJWTSecret.WithCause(fmt.Errorf("got %d bytes", len(secret)))
	}
	return nil
}
