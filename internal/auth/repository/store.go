package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/observability/metrics"
)

var (
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrDuplicateJTI         = errors.New("refresh token jti already exists")
	ErrDuplicateSession     = errors.New("session already exists")
	ErrTokenAlreadyUsed     = errors.New("refresh token already used")
	ErrTokenAlreadyRevoked  = errors.New("refresh token already revoked")
)

// TokenStore persists refresh-token and session records. It is the only
// shared mutable state of the auth subsystem: callers address records by key
// and never hold references into the store.
//
// Revocation applies to ACTIVE records only (unused and unrevoked). A USED
// record keeps RevokedAt nil so that replaying it is always classified as
// reuse.
type TokenStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, now time.Time) (domain.Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error)

	CreateRefreshToken(ctx context.Context, token domain.RefreshToken) error
	GetRefreshTokenByJTI(ctx context.Context, jti string) (domain.RefreshToken, error)
	GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error)

	// RotateRefreshToken sets UsedAt on the record for jti only if it is
	// still unused and unrevoked, inserts successor and points the owning
	// session at it, all as one unit. Losing the compare-and-set yields
	// ErrTokenAlreadyUsed or ErrTokenAlreadyRevoked and changes nothing.
	RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) error

	// RevokeRefreshToken revokes one ACTIVE record. It reports false when the
	// record was already used or revoked.
	RevokeRefreshToken(ctx context.Context, jti string, at time.Time, reason string) (bool, error)

	// RevokeFamily revokes every ACTIVE member of the family and returns how
	// many records changed. Repeating it is a no-op.
	RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (int, error)

	// DeleteExpiredRefreshTokens purges token records that expired before
	// the cutoff. Sessions are kept.
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// IsExpected reports store errors that describe record state rather than a
// storage failure.
func IsExpected(err error) bool {
	return errors.Is(err, ErrRefreshTokenNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrDuplicateJTI) ||
		errors.Is(err, ErrDuplicateSession) ||
		errors.Is(err, ErrTokenAlreadyUsed) ||
		errors.Is(err, ErrTokenAlreadyRevoked)
}

// classifyLostSwap explains why a rotate compare-and-set did not apply.
func classifyLostSwap(t domain.RefreshToken) error {
	if t.UsedAt != nil {
		return ErrTokenAlreadyUsed
	}
	if t.RevokedAt != nil {
		return ErrTokenAlreadyRevoked
	}
	return nil
}

// observeStore records latency for every call and counts only unexpected
// errors. It is deferred with a pointer to the named error result.
func observeStore(backend, operation string, start time.Time, errp *error) {
	metrics.StoreOperationDurationSeconds.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	if errp == nil || *errp == nil || IsExpected(*errp) {
		return
	}
	metrics.StoreOperationErrors.WithLabelValues(backend, operation, errorType(*errp)).Inc()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return fmt.Sprintf("%T", err)
	}
}
