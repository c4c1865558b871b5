package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	authrepo "github.com/DKeken/axion-stack-sub001/internal/auth/repository"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	"github.com/DKeken/axion-stack-sub001/internal/common/constants"
	commoncrypto "github.com/DKeken/axion-stack-sub001/internal/common/crypto"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
)

type CreateSessionInput struct {
	UserID      string `json:"userId" validate:"required,max=128,printascii"`
	Fingerprint string `json:"fingerprint" validate:"required,min=8,max=1024"`
	DeviceInfo  string `json:"deviceInfo" validate:"max=512"`
	UserAgent   string `json:"userAgent" validate:"max=1024"`
	IPAddress   string `json:"ipAddress" validate:"omitempty,ip"`
	// CurrentRefreshTokenID pre-sets the chain tip when the first token id
	// is known before the session is written.
	CurrentRefreshTokenID string `json:"-" validate:"-"`
}

type SessionManager struct {
	store  authrepo.TokenStore
	binder *FingerprintBinder
	ids    commoncrypto.IDGenerator
	clock  clock.Clock
	log    *logger.Logger
}

func NewSessionManager(
	store authrepo.TokenStore,
	binder *FingerprintBinder,
	ids commoncrypto.IDGenerator,
	clock clock.Clock,
	log *logger.Logger,
) *SessionManager {
	return &SessionManager{
		store:  store,
		binder: binder,
		ids:    ids,
		clock:  clock,
		log:    log,
	}
}

func (m *SessionManager) Create(ctx context.Context, input CreateSessionInput) (domain.Session, error) {
	if err := validateInput(input); err != nil {
		return domain.Session{}, err
	}

	id, err := m.ids.NewID()
	if err != nil {
		return domain.Session{}, err
	}

	now := m.clock.Now()
	session := domain.Session{
		ID:                    id,
		UserID:                input.UserID,
		FingerprintHash:       m.binder.Hash(input.Fingerprint),
		DeviceInfo:            input.DeviceInfo,
		UserAgent:             input.UserAgent,
		IPAddress:             input.IPAddress,
		IsActive:              true,
		CurrentRefreshTokenID: input.CurrentRefreshTokenID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := m.store.CreateSession(ctx, session); err != nil {
		m.log.WithFields(ctx, logger.Fields{
			"user_id": input.UserID,
			"action":  "session_create_failed",
		}).Errorf("session create failed: %v", err)
		return domain.Session{}, mapStoreError(err)
	}

	incrementSessionsCreated()
	m.log.WithFields(ctx, logger.Fields{
		"user_id":    input.UserID,
		"session_id": id,
		"action":     "session_created",
	}).Info("session created")
	return session, nil
}

// Invalidate revokes the session's refresh-token family and then marks the
// session inactive. Revoking first means an inactive session never has a live
// family behind it, so a retry after a partial failure finishes the job.
func (m *SessionManager) Invalidate(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = domain.ReasonSessionInvalidated
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}

	if session.CurrentRefreshTokenID != "" {
		tip, err := m.store.GetRefreshTokenByID(ctx, session.CurrentRefreshTokenID)
		switch {
		case errors.Is(err, authrepo.ErrRefreshTokenNotFound):
			// Already purged by cleanup; nothing left to revoke.
		case err != nil:
			return mapStoreError(err)
		default:
			if err := revokeFamily(ctx, m.store, m.log, tip.FamilyID, m.clock.Now(), reason); err != nil {
				return err
			}
		}
	}

	if !session.IsActive {
		return nil
	}
	return m.deactivate(ctx, session, reason)
}

// InvalidateOwned invalidates sessionID only when it belongs to userID. A
// foreign session is reported as not found.
func (m *SessionManager) InvalidateOwned(ctx context.Context, userID, sessionID, reason string) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	if session.UserID != userID {
		return ErrSessionNotFound
	}
	return m.Invalidate(ctx, sessionID, reason)
}

func (m *SessionManager) InvalidateAllForDevice(ctx context.Context, userID, fingerprint string) error {
	if err := validateInput(DeviceInput{UserID: userID, Fingerprint: fingerprint}); err != nil {
		return err
	}
	return m.invalidateMatching(ctx, userID, domain.ReasonDeviceLogout, func(s domain.Session) bool {
		return s.FingerprintHash != "" && m.binder.Matches(fingerprint, s.FingerprintHash)
	})
}

func (m *SessionManager) InvalidateAllForUser(ctx context.Context, userID string) error {
	if userID == "" {
		return newValidationError("userId", "required")
	}
	return m.invalidateMatching(ctx, userID, domain.ReasonLogoutAll, func(domain.Session) bool { return true })
}

func (m *SessionManager) invalidateMatching(ctx context.Context, userID, reason string, match func(domain.Session) bool) error {
	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return mapStoreError(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.InvalidationConcurrency)
	count := 0
	for _, s := range sessions {
		if !s.IsActive || !match(s) {
			continue
		}
		count++
		id := s.ID
		g.Go(func() error {
			err := m.Invalidate(gctx, id, reason)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		m.log.WithFields(ctx, logger.Fields{
			"user_id": userID,
			"reason":  reason,
			"action":  "sessions_invalidate_failed",
		}).Errorf("bulk session invalidation failed: %v", err)
		return err
	}

	m.log.WithFields(ctx, logger.Fields{
		"user_id": userID,
		"reason":  reason,
		"count":   count,
		"action":  "sessions_invalidated",
	}).Info("sessions invalidated")
	return nil
}

func (m *SessionManager) Update(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.Session, error) {
	if err := validatePatch(patch); err != nil {
		return domain.Session{}, err
	}
	if patch.IsEmpty() {
		session, err := m.store.GetSession(ctx, sessionID)
		return session, mapStoreError(err)
	}

	session, err := m.store.UpdateSession(ctx, sessionID, patch, m.clock.Now())
	if err != nil {
		return domain.Session{}, mapStoreError(err)
	}
	return session, nil
}

func (m *SessionManager) List(ctx context.Context, userID string) ([]domain.Session, error) {
	if userID == "" {
		return nil, newValidationError("userId", "required")
	}
	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return sessions, nil
}

// deactivateByID is used by the rotation engine, which only knows the id.
func (m *SessionManager) deactivateByID(ctx context.Context, sessionID, reason string) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, authrepo.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return mapStoreError(err)
	}
	if !session.IsActive {
		return nil
	}
	return m.deactivate(ctx, session, reason)
}

func (m *SessionManager) deactivate(ctx context.Context, session domain.Session, reason string) error {
	if _, err := m.store.UpdateSession(ctx, session.ID, domain.Deactivate(reason), m.clock.Now()); err != nil {
		return mapStoreError(err)
	}

	incrementSessionsInvalidated(reason)
	m.log.WithFields(ctx, logger.Fields{
		"user_id":    session.UserID,
		"session_id": session.ID,
		"reason":     reason,
		"action":     "session_invalidated",
	}).Info("session invalidated")
	return nil
}

func validatePatch(p domain.SessionPatch) error {
	fields := map[string]string{}
	if p.DeviceInfo != nil && len(*p.DeviceInfo) > constants.DeviceInfoMaxLength {
		fields["deviceInfo"] = "max=512"
	}
	if p.UserAgent != nil && len(*p.UserAgent) > constants.UserAgentMaxLength {
		fields["userAgent"] = "max=1024"
	}
	if p.IPAddress != nil && *p.IPAddress != "" {
		if err := validate.Var(*p.IPAddress, "ip"); err != nil {
			fields["ipAddress"] = "ip"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// revokeFamily revokes every active member of a family and records how many
// changed. Repeating it is harmless.
func revokeFamily(ctx context.Context, store authrepo.TokenStore, log *logger.Logger, familyID string, at time.Time, reason string) error {
	n, err := store.RevokeFamily(ctx, familyID, at, reason)
	if err != nil {
		log.WithFields(ctx, logger.Fields{
			"family_id": familyID,
			"reason":    reason,
			"action":    "family_revoke_failed",
		}).Errorf("family revoke failed: %v", err)
		return mapStoreError(err)
	}

	addRefreshTokensRevoked(reason, n)
	log.WithFields(ctx, logger.Fields{
		"family_id": familyID,
		"reason":    reason,
		"revoked":   n,
		"action":    "family_revoked",
	}).Info("refresh token family revoked")
	return nil
}
