package service

import (
	"context"
	"errors"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	commonerrors "github.com/DKeken/axion-stack-sub001/internal/common/errors"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
)

// MismatchPolicy selects what a fingerprint mismatch does beyond rejecting
// the request.
type MismatchPolicy string

const (
	MismatchReject       MismatchPolicy = "reject"
	MismatchRevokeFamily MismatchPolicy = "revoke_family"
)

// Outcome labels for rejected refresh attempts.
const (
	outcomeMalformed   = "malformed"
	outcomeNotFound    = "not_found"
	outcomeExpired     = "expired"
	outcomeRevoked     = "revoked"
	outcomeReuse       = "reuse_detected"
	outcomeFingerprint = "fingerprint_mismatch"
	outcomeStore       = "store_error"
)

// RotationEngine validates presented refresh tokens and moves each family
// forward by exactly one link per accepted presentation.
type RotationEngine struct {
	store    authrepo.TokenStore
	codec    *TokenCodec
	binder   *FingerprintBinder
	issuer   *TokenIssuer
	sessions *SessionManager
	clock    clock.Clock
	leeway   time.Duration
	policy   MismatchPolicy
	log      *logger.Logger
}

func NewRotationEngine(
	store authrepo.TokenStore,
	codec *TokenCodec,
	binder *FingerprintBinder,
	issuer *TokenIssuer,
	sessions *SessionManager,
	leeway time.Duration,
	policy MismatchPolicy,
	clock clock.Clock,
	log *logger.Logger,
) *RotationEngine {
	if policy == "" {
		policy = MismatchReject
	}
	return &RotationEngine{
		store:    store,
		codec:    codec,
		binder:   binder,
		issuer:   issuer,
		sessions: sessions,
		clock:    clock,
		leeway:   leeway,
		policy:   policy,
		log:      log,
	}
}

// Rotate exchanges a refresh token for a new pair. Concurrent presentations
// of one token produce a single winner; every other caller is treated as a
// replay and revokes the family.
func (e *RotationEngine) Rotate(ctx context.Context, input RefreshInput) (domain.TokenPair, error) {
	if err := validateInput(input); err != nil {
		return domain.TokenPair{}, err
	}

	claims, err := e.codec.DecodeRefreshToken(input.RefreshToken)
	if err != nil {
		incrementRefreshRejected(outcomeMalformed)
		e.log.WithFields(ctx, logger.Fields{
			"action": "refresh_malformed",
		}).Debugf("refresh token rejected: %v", err)
		return domain.TokenPair{}, err
	}

	fields := logger.Fields{
		"user_id":   claims.Subject,
		"family_id": claims.FamilyID,
	}

	record, err := e.store.GetRefreshTokenByJTI(ctx, claims.ID)
	if err != nil {
		err = mapStoreError(err)
		e.reject(ctx, fields, err)
		return domain.TokenPair{}, err
	}
	// A token whose claims disagree with the stored record was not issued by
	// this chain.
	if record.FamilyID != claims.FamilyID || record.UserID != claims.Subject {
		e.reject(ctx, fields, ErrTokenNotFound)
		return domain.TokenPair{}, ErrTokenNotFound
	}
	fields["session_id"] = record.SessionID

	now := e.clock.Now()
	switch record.State(now, e.leeway) {
	case domain.TokenExpired:
		e.reject(ctx, fields, ErrTokenExpired)
		return domain.TokenPair{}, ErrTokenExpired
	case domain.TokenRevoked:
		e.reject(ctx, fields, ErrTokenRevoked)
		return domain.TokenPair{}, ErrTokenRevoked
	case domain.TokenUsed:
		return domain.TokenPair{}, e.handleReuse(ctx, record, fields)
	}

	if !e.binder.Matches(input.Fingerprint, record.FingerprintHash) {
		return domain.TokenPair{}, e.handleFingerprintMismatch(ctx, record, fields)
	}

	successor, err := e.issuer.PrepareSuccessor(record, now)
	if err != nil {
		return domain.TokenPair{}, err
	}

	if err := e.store.RotateRefreshToken(ctx, record.JTI, now, successor); err != nil {
		switch {
		case errors.Is(err, authrepo.ErrTokenAlreadyUsed):
			return domain.TokenPair{}, e.handleReuse(ctx, record, fields)
		case errors.Is(err, authrepo.ErrDuplicateJTI):
			e.log.WithFields(ctx, fields).Errorf("refresh rotate failed: successor id collision: %v", err)
			return domain.TokenPair{}, commonerrors.ErrInternalError.WithCause(err)
		default:
			err = mapStoreError(err)
			e.reject(ctx, fields, err)
			return domain.TokenPair{}, err
		}
	}

	incrementRefreshTokensRotated()
	e.log.WithFields(ctx, logger.Fields{
		"user_id":    record.UserID,
		"session_id": record.SessionID,
		"family_id":  record.FamilyID,
		"action":     "refresh_rotated",
	}).Info("refresh token rotated")

	return e.issuer.IssueRotated(ctx, successor)
}

// RevokeFamily revokes every active member of familyID. It is idempotent.
func (e *RotationEngine) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if familyID == "" {
		return newValidationError("familyId", "required")
	}
	if reason == "" {
		reason = domain.ReasonLogout
	}
	return revokeFamily(ctx, e.store, e.log, familyID, e.clock.Now(), reason)
}

// RevokeToken revokes a single active record and leaves its siblings alone.
// Revoking a record that is already terminal is a no-op.
func (e *RotationEngine) RevokeToken(ctx context.Context, jti, reason string) error {
	if jti == "" {
		return newValidationError("jti", "required")
	}
	if reason == "" {
		reason = domain.ReasonLogout
	}

	revoked, err := e.store.RevokeRefreshToken(ctx, jti, e.clock.Now(), reason)
	if err != nil {
		return mapStoreError(err)
	}
	if revoked {
		addRefreshTokensRevoked(reason, 1)
	}
	e.log.WithFields(ctx, logger.Fields{
		"jti":     jti,
		"reason":  reason,
		"revoked": revoked,
		"action":  "refresh_token_revoked",
	}).Info("refresh token revoked")
	return nil
}

// handleReuse revokes the whole family and the owning session. The caller
// only sees ErrTokenReuseDetected once the revocation has been recorded; if
// the store fails the store error is returned so the caller can retry.
func (e *RotationEngine) handleReuse(ctx context.Context, record domain.RefreshToken, fields logger.Fields) error {
	incrementReuseDetected()
	incrementRefreshRejected(outcomeReuse)
	e.securityLog(ctx, fields, "refresh_reuse_detected").Warn("refresh token reuse detected, revoking family")

	if err := e.revokeChain(ctx, record, domain.ReasonReuseDetected); err != nil {
		return err
	}
	return ErrTokenReuseDetected
}

func (e *RotationEngine) handleFingerprintMismatch(ctx context.Context, record domain.RefreshToken, fields logger.Fields) error {
	incrementFingerprintMismatch()
	incrementRefreshRejected(outcomeFingerprint)
	e.securityLog(ctx, fields, "refresh_fingerprint_mismatch").Warnf("refresh fingerprint mismatch, policy=%s", e.policy)

	if e.policy == MismatchRevokeFamily {
		if err := e.revokeChain(ctx, record, domain.ReasonFingerprintMismatch); err != nil {
			return err
		}
	}
	return ErrFingerprintMismatch
}

func (e *RotationEngine) revokeChain(ctx context.Context, record domain.RefreshToken, reason string) error {
	if err := revokeFamily(ctx, e.store, e.log, record.FamilyID, e.clock.Now(), reason); err != nil {
		return err
	}
	if record.SessionID == "" {
		return nil
	}
	return e.sessions.deactivateByID(ctx, record.SessionID, reason)
}

func (e *RotationEngine) securityLog(ctx context.Context, fields logger.Fields, action string) *logger.Entry {
	entry := logger.Fields{
		"action":          action,
		"security_signal": true,
	}
	for k, v := range fields {
		entry[k] = v
	}
	return e.log.WithFields(ctx, entry)
}

// reject records a non-security refusal. Lifecycle outcomes are routine and
// logged at debug; store failures are errors.
func (e *RotationEngine) reject(ctx context.Context, fields logger.Fields, err error) {
	outcome := outcomeStore
	switch {
	case errors.Is(err, ErrTokenNotFound):
		outcome = outcomeNotFound
	case errors.Is(err, ErrTokenExpired):
		outcome = outcomeExpired
	case errors.Is(err, ErrTokenRevoked):
		outcome = outcomeRevoked
	}
	incrementRefreshRejected(outcome)

	entry := logger.Fields{"action": "refresh_" + outcome}
	for k, v := range fields {
		entry[k] = v
	}
	if outcome == outcomeStore {
		e.log.WithFields(ctx, entry).Errorf("refresh failed: %v", err)
		return
	}
	e.log.WithFields(ctx, entry).Debug("refresh rejected")
}
