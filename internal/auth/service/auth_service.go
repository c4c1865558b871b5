package service

import (
	"context"
	"errors"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/common/clock"
	commoncrypto "github.com/DKeken/axion-stack-sub001/internal/common/crypto"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
	userdomain "github.com/DKeken/axion-stack-sub001/internal/user/domain"
	userrepo "github.com/DKeken/axion-stack-sub001/internal/user/repository"
)

// DeviceContext is what the transport knows about the calling device.
type DeviceContext struct {
	Fingerprint string `json:"fingerprint" validate:"required,min=8,max=1024"`
	DeviceInfo  string `json:"deviceInfo" validate:"max=512"`
	UserAgent   string `json:"userAgent" validate:"max=1024"`
	IPAddress   string `json:"ipAddress" validate:"omitempty,ip"`
}

// LogoutInput carries whatever credentials the caller still holds. Any subset
// may be empty.
type LogoutInput struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	UserID       string
}

// AuthService is the facade used by the transport layer. It owns credential
// checks and delegates token and session work to the issuer, the rotation
// engine and the session manager.
type AuthService struct {
	users    userrepo.Repository
	hasher   commoncrypto.PasswordHasher
	ids      commoncrypto.IDGenerator
	codec    *TokenCodec
	issuer   *TokenIssuer
	engine   *RotationEngine
	sessions *SessionManager
	clock    clock.Clock
	log      *logger.Logger
}

func NewAuthService(
	users userrepo.Repository,
	hasher commoncrypto.PasswordHasher,
	ids commoncrypto.IDGenerator,
	codec *TokenCodec,
	issuer *TokenIssuer,
	engine *RotationEngine,
	sessions *SessionManager,
	clock clock.Clock,
	log *logger.Logger,
) *AuthService {
	return &AuthService{
		users:    users,
		hasher:   hasher,
		ids:      ids,
		codec:    codec,
		issuer:   issuer,
		engine:   engine,
		sessions: sessions,
		clock:    clock,
		log:      log,
	}
}

func (s *AuthService) Register(ctx context.Context, input CredentialsInput, device DeviceContext) (domain.TokenPair, error) {
	s.log.WithFields(ctx, logger.Fields{
		"username": input.Username,
		"action":   "register_attempt",
	}).Info("register attempt")

	if err := validateAll(input, device); err != nil {
		s.log.WithFields(ctx, logger.Fields{
			"username": input.Username,
			"action":   "register_validation_failed",
		}).Warnf("register validation failed: %v", err)
		return domain.TokenPair{}, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		s.log.WithFields(ctx, logger.Fields{
			"username": input.Username,
			"action":   "register_hash_failed",
		}).Errorf("register failed: password hash error: %v", err)
		return domain.TokenPair{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return domain.TokenPair{}, err
	}

	user := userdomain.User{
		ID:           id,
		Username:     input.Username,
		PasswordHash: hash,
		CreatedAt:    s.clock.Now(),
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, userrepo.ErrUsernameAlreadyExists) {
			s.log.WithFields(ctx, logger.Fields{
				"username": input.Username,
				"action":   "register_username_exists",
			}).Warn("register failed: already exists")
			return domain.TokenPair{}, ErrUsernameTaken
		}
		s.log.WithFields(ctx, logger.Fields{
			"username": input.Username,
			"action":   "register_create_failed",
		}).Errorf("register failed: %v", err)
		return domain.TokenPair{}, ErrStoreUnavailable.WithCause(err)
	}

	pair, err := s.StartSession(ctx, issueInputFor(user.ID, device))
	if err != nil {
		return domain.TokenPair{}, err
	}

	s.log.WithFields(ctx, logger.Fields{
		"username": user.Username,
		"user_id":  user.ID,
		"action":   "register_success",
	}).Info("register success")
	return pair, nil
}

func (s *AuthService) Login(ctx context.Context, input CredentialsInput, device DeviceContext) (domain.TokenPair, error) {
	s.log.WithFields(ctx, logger.Fields{
		"username": input.Username,
		"action":   "login_attempt",
	}).Info("login attempt")

	if err := validateAll(input, device); err != nil {
		s.log.WithFields(ctx, logger.Fields{
			"username": input.Username,
			"action":   "login_validation_failed",
		}).Warnf("login validation failed: %v", err)
		return domain.TokenPair{}, err
	}

	user, err := s.users.FindByUsername(ctx, input.Username)
	if err != nil {
		if errors.Is(err, userrepo.ErrUserNotFound) {
			s.log.WithFields(ctx, logger.Fields{
				"username": input.Username,
				"action":   "login_user_not_found",
			}).Warn("login failed: not found")
			return domain.TokenPair{}, ErrInvalidCredentials
		}
		s.log.WithFields(ctx, logger.Fields{
			"username": input.Username,
			"action":   "login_fetch_failed",
		}).Errorf("login failed: %v", err)
		return domain.TokenPair{}, ErrStoreUnavailable.WithCause(err)
	}

	if err := s.hasher.Compare(user.PasswordHash, input.Password); err != nil {
		s.log.WithFields(ctx, logger.Fields{
			"username": input.Username,
			"action":   "login_invalid_password",
		}).Warn("login failed: invalid password")
		return domain.TokenPair{}, ErrInvalidCredentials
	}

	pair, err := s.StartSession(ctx, issueInputFor(user.ID, device))
	if err != nil {
		return domain.TokenPair{}, err
	}

	s.log.WithFields(ctx, logger.Fields{
		"username": user.Username,
		"user_id":  user.ID,
		"action":   "login_success",
	}).Info("login success")
	return pair, nil
}

// StartSession issues the first pair of a new session for an identity that
// has already been verified.
func (s *AuthService) StartSession(ctx context.Context, input IssueInput) (domain.TokenPair, error) {
	return s.issuer.IssueForNewSession(ctx, input)
}

func (s *AuthService) Refresh(ctx context.Context, input RefreshInput) (domain.TokenPair, error) {
	return s.engine.Rotate(ctx, input)
}

// Logout tears down whatever the presented credentials point at. It never
// fails: every step is attempted and failures are only logged, since the
// caller discards its credentials either way.
func (s *AuthService) Logout(ctx context.Context, input LogoutInput) {
	if input.RefreshToken != "" {
		claims, err := s.codec.DecodeRefreshToken(input.RefreshToken)
		switch {
		case err != nil:
			s.logoutStepFailed(ctx, "refresh_token_decode", err)
		case claims.SessionID != "":
			if err := s.sessions.Invalidate(ctx, claims.SessionID, domain.ReasonLogout); err != nil {
				s.logoutStepFailed(ctx, "session_invalidate", err)
				if err := s.engine.RevokeFamily(ctx, claims.FamilyID, domain.ReasonLogout); err != nil {
					s.logoutStepFailed(ctx, "family_revoke", err)
				}
			}
		default:
			if err := s.engine.RevokeFamily(ctx, claims.FamilyID, domain.ReasonLogout); err != nil {
				s.logoutStepFailed(ctx, "family_revoke", err)
			}
		}
	}

	if input.AccessToken != "" {
		claims, err := s.codec.ParseAccessTokenIgnoringExpiry(input.AccessToken)
		if err != nil {
			s.logoutStepFailed(ctx, "access_token_parse", err)
		} else if err := s.sessions.Invalidate(ctx, claims.SessionID, domain.ReasonLogout); err != nil {
			s.logoutStepFailed(ctx, "session_invalidate", err)
		}
	}

	if input.SessionID != "" {
		if err := s.sessions.Invalidate(ctx, input.SessionID, domain.ReasonLogout); err != nil {
			s.logoutStepFailed(ctx, "session_invalidate", err)
		}
	}

	if input.UserID != "" {
		if err := s.sessions.InvalidateAllForUser(ctx, input.UserID); err != nil {
			s.logoutStepFailed(ctx, "user_invalidate", err)
		}
	}

	s.log.WithFields(ctx, logger.Fields{
		"user_id": input.UserID,
		"action":  "logout",
	}).Info("logout completed")
}

func (s *AuthService) InvalidateSession(ctx context.Context, userID, sessionID string) error {
	return s.sessions.InvalidateOwned(ctx, userID, sessionID, domain.ReasonSessionInvalidated)
}

func (s *AuthService) InvalidateDeviceSessions(ctx context.Context, userID, fingerprint string) error {
	return s.sessions.InvalidateAllForDevice(ctx, userID, fingerprint)
}

func (s *AuthService) InvalidateAllSessions(ctx context.Context, userID string) error {
	return s.sessions.InvalidateAllForUser(ctx, userID)
}

func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	return s.sessions.List(ctx, userID)
}

func (s *AuthService) logoutStepFailed(ctx context.Context, step string, err error) {
	entry := s.log.WithFields(ctx, logger.Fields{
		"step":   step,
		"action": "logout_step_failed",
	})
	if IsStoreError(err) {
		entry.Errorf("logout step failed: %v", err)
		return
	}
	entry.Debugf("logout step skipped: %v", err)
}

func issueInputFor(userID string, device DeviceContext) IssueInput {
	return IssueInput{
		UserID:      userID,
		Fingerprint: device.Fingerprint,
		DeviceInfo:  device.DeviceInfo,
		UserAgent:   device.UserAgent,
		IPAddress:   device.IPAddress,
	}
}
