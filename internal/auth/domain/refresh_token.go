package domain

import "time"

type TokenState string

const (
	TokenActive  TokenState = "ACTIVE"
	TokenUsed    TokenState = "USED"
	TokenExpired TokenState = "EXPIRED"
	TokenRevoked TokenState = "REVOKED"
)

// RefreshToken is the persisted record behind an issued refresh token. JTI is
// the value carried inside the token; ID is the store key referenced by
// Session.CurrentRefreshTokenID.
type RefreshToken struct {
	ID              string
	UserID          string
	JTI             string
	FamilyID        string
	SessionID       string
	FingerprintHash string
	ExpiresAt       time.Time
	RevokedAt       *time.Time
	RevokedReason   string
	UsedAt          *time.Time
	CreatedAt       time.Time
}

// IsExpired reports whether now is past ExpiresAt by more than leeway.
func (t RefreshToken) IsExpired(now time.Time, leeway time.Duration) bool {
	return now.After(t.ExpiresAt.Add(leeway))
}

func (t RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

func (t RefreshToken) IsUsed() bool { return t.UsedAt != nil }

// State resolves the record to a single lifecycle state. Expiry takes
// precedence over every other terminal state.
func (t RefreshToken) State(now time.Time, leeway time.Duration) TokenState {
	switch {
	case t.IsExpired(now, leeway):
		return TokenExpired
	case t.IsRevoked():
		return TokenRevoked
	case t.IsUsed():
		return TokenUsed
	default:
		return TokenActive
	}
}

// Lifetime is the duration the record was issued for.
func (t RefreshToken) Lifetime() time.Duration {
	return t.ExpiresAt.Sub(t.CreatedAt)
}

// Revocation reasons recorded on tokens and sessions.
const (
	ReasonReuseDetected       = "reuse_detected"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
	ReasonLogout              = "logout"
	ReasonSessionInvalidated  = "session_invalidated"
	ReasonDeviceLogout        = "device_logout"
	ReasonLogoutAll           = "logout_all"
	ReasonIssueFailed         = "issue_failed"
)
