package constants

import "time"

type contextKey string

const TraceIDKey contextKey = "trace_id"

const (
	RefreshTokenCookieName  = "refresh_token"
	RefreshTokenCookiePath  = "/api/auth"
	DeviceFingerprintHeader = "X-Device-Fingerprint"
)

const (
	JWTSecretMinLength = 32

	DeviceInfoMaxLength = 512
	UserAgentMaxLength  = 1024
	RefreshTokenMaxSize = 4096
	MinRefreshTokenTTL  = time.Minute
	MaxRefreshTokenTTL  = 90 * 24 * time.Hour

	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultExpiryLeeway    = 5 * time.Second

	// Upper bound on the client-side renewal window before access-token expiry.
	ClientRefreshMaxWindow  = time.Minute
	ClientRefreshRetryDelay = 5 * time.Second

	InvalidationConcurrency = 8

	DefaultMaxRequestSize = 1 << 20

	RateLimitCleanupInterval = 5 * time.Minute

	RateLimitLoginRequestsPerSecond    = 0.2
	RateLimitLoginBurst                = 5
	RateLimitRegisterRequestsPerSecond = 0.1
	RateLimitRegisterBurst             = 3
	RateLimitRefreshRequestsPerSecond  = 1.0
	RateLimitRefreshBurst              = 10
	RateLimitLogoutRequestsPerSecond   = 1.0
	RateLimitLogoutBurst               = 10
	RateLimitSessionsRequestsPerSecond = 2.0
	RateLimitSessionsBurst             = 10
	RateLimitGeneralRequestsPerSecond  = 10.0
	RateLimitGeneralBurst              = 20

	DBPoolMaxConns        = 25
	DBPoolMinConns        = 5
	DBPoolConnMaxLifetime = time.Hour
	DBPoolConnMaxIdleTime = 30 * time.Minute
	DBPoolHealthCheck     = time.Minute
	DBPoolConnectTimeout  = 5 * time.Second
	DBPoolMaxAttempts     = 10
	DBPoolRetryDelay      = time.Second
	DBPoolMetricsInterval = 30 * time.Second

	ServerReadHeaderTimeout = 10 * time.Second
	ServerReadTimeout       = 30 * time.Second
	ServerWriteTimeout      = 30 * time.Second
	ServerIdleTimeout       = 120 * time.Second

	ShutdownTimeout = 30 * time.Second
	DrainTimeout    = 10 * time.Second
)
